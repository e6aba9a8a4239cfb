package legend

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// labels of palette entries that are not imported
var ignoredLabels = []string{"no data"}

type qgis struct {
	Entries []paletteEntry `xml:"pipe>rasterrenderer>colorPalette>paletteEntry"`
}

type paletteEntry struct {
	Value string `xml:"value,attr"`
	Color string `xml:"color,attr"`
	Label string `xml:"label,attr"`
}

// ImportQML reads the color palette of a QGIS raster style into a legend. Every
// palette entry becomes the rule "x == <value>".
func ImportQML(r io.Reader, title string) (*Legend, error) {
	var doc qgis
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing qml: %w", err)
	}
	l := &Legend{Title: title}
entries:
	for _, pe := range doc.Entries {
		for _, ignored := range ignoredLabels {
			if strings.EqualFold(pe.Label, ignored) {
				continue entries
			}
		}
		if _, err := ParseColor(pe.Color); err != nil {
			return nil, fmt.Errorf("palette entry %q: %w", pe.Label, err)
		}
		l.Rules = append(l.Rules, Rule{
			Name:       pe.Label,
			Expression: fmt.Sprintf("%s == %s", Variable, strings.TrimSpace(pe.Value)),
			Color:      pe.Color,
		})
	}
	return l, nil
}
