package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-spatial/geom"
	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pdok/rasterpyramid/aggregate"
	"github.com/pdok/rasterpyramid/config"
	"github.com/pdok/rasterpyramid/fetch"
	"github.com/pdok/rasterpyramid/geomhelp"
	"github.com/pdok/rasterpyramid/legend"
	"github.com/pdok/rasterpyramid/logging"
	"github.com/pdok/rasterpyramid/mapslicehelp"
	"github.com/pdok/rasterpyramid/observability"
	"github.com/pdok/rasterpyramid/pyramid"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/store/badger"
	"github.com/pdok/rasterpyramid/store/cached"
	"github.com/pdok/rasterpyramid/store/gpkg"
	"github.com/pdok/rasterpyramid/tms20"
)

const CONFIG string = `config`
const STORE string = `store`
const LOGLEVEL string = `log-level`
const LOGCONSOLE string = `log-console`
const METRICSFILE string = `metrics-file`

const LAYERID string = `layer-id`
const NAME string = `name`
const SOURCE string = `source`
const SRID string = `srid`
const DATATYPE string = `datatype`
const NODATA string = `nodata`
const RESAMPLING string = `resampling`

const LAYER string = `layer`
const FORMULA string = `formula`
const GROUPING string = `grouping`
const ZOOM string = `zoom`
const GEOMETRY string = `geometry`
const AREA string = `area`
const REQUIREREADY string = `require-ready`

const TITLE string = `title`
const QML string = `qml`
const REF string = `ref`

var errDuplicateTitle = errors.New("a legend with this title exists")

func envVars(name string) []string {
	return []string{strcase.ToScreamingSnake("rasterpyramid_" + name)}
}

//nolint:funlen
func main() {
	app := cli.NewApp()
	app.Name = "rasterpyramid"
	app.Usage = "Tile rasters into a web mercator pyramid and aggregate pixel values over it"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: envVars(CONFIG),
		},
		&cli.StringFlag{
			Name:    STORE,
			Aliases: []string{"s"},
			Usage:   "Store location, overrides the configuration. E.g.: gpkg:raster.gpkg, badger:/data/tiles or memory",
			EnvVars: envVars(STORE),
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "debug, info, warn or error",
			EnvVars: envVars(LOGLEVEL),
		},
		&cli.BoolFlag{
			Name:    LOGCONSOLE,
			Usage:   "Human readable log output",
			EnvVars: envVars(LOGCONSOLE),
		},
		&cli.StringFlag{
			Name:    METRICSFILE,
			Usage:   "Write Prometheus metrics to this file on exit (textfile collector format)",
			EnvVars: envVars(METRICSFILE),
		},
	}

	app.Commands = []*cli.Command{
		tileCommand(),
		aggregateCommand(),
		{
			Name:  "legend",
			Usage: "Manage legends",
			Subcommands: []*cli.Command{
				legendImportCommand(),
				legendShowCommand(),
			},
		},
		statusCommand(),
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// legendStore is implemented by the persistent stores
type legendStore interface {
	legend.Provider
	legend.Saver
}

// env is what every command needs
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   store.Store
	legends legendStore
	grid    tms20.TileMatrixSet
	metrics *observability.Metrics
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String(CONFIG))
	if err != nil {
		return nil, err
	}
	if c.IsSet(STORE) {
		loc, err := store.ParseLocation(c.String(STORE))
		if err != nil {
			return nil, err
		}
		cfg.Store.Driver, cfg.Store.Path = loc.Driver, loc.Path
	}
	if c.IsSet(LOGLEVEL) {
		cfg.Log.Level = c.String(LOGLEVEL)
	}
	if c.IsSet(LOGCONSOLE) {
		cfg.Log.Console = c.Bool(LOGCONSOLE)
	}
	if c.IsSet(METRICSFILE) {
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logging.Build(cfg.Log, os.Stderr)}
	if cfg.Metrics.Enabled {
		e.metrics = observability.Default()
		e.metrics.ExposeBuildInfo(versioninfo.Short())
	}
	if e.grid, err = tms20.WebMercatorQuad(cfg.TileSize, cfg.MaxZoom); err != nil {
		return nil, err
	}
	if err := e.openStore(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *env) openStore() error {
	loc := e.cfg.Store.Location()
	var s store.Store
	switch loc.Driver {
	case "memory":
		s, e.legends = store.NewMemory(), legend.NewMemory()
	case "gpkg":
		g, err := gpkg.Open(loc.Path, e.cfg.PageSize)
		if err != nil {
			return err
		}
		s, e.legends = g, g
	case "badger":
		b, err := badger.Open(loc.Path, e.logger)
		if err != nil {
			return err
		}
		s, e.legends = b, b
	default:
		return fmt.Errorf("%w: %q", store.ErrBadDriver, loc.Driver)
	}
	e.logger.Debug().Str("store", loc.String()).Msg("opened store")
	if e.cfg.Cache.Tiles > 0 {
		c, err := cached.New(s, e.cfg.Cache.Tiles)
		if err != nil {
			_ = s.Close()
			return err
		}
		s = c
	}
	e.store = s
	return nil
}

func (e *env) close(c *cli.Context) {
	if err := e.store.Close(); err != nil {
		e.logger.Error().Err(err).Msg("closing store")
	}
	if path := c.String(METRICSFILE); path != "" {
		if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
			e.logger.Error().Err(err).Str("path", path).Msg("writing metrics")
		}
	}
}

// run sets up the environment and cancels the command on SIGINT or SIGTERM.
func run(action func(ctx context.Context, c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.close(c)
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return action(ctx, c, e)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

//nolint:funlen
func tileCommand() *cli.Command {
	return &cli.Command{
		Name:  "tile",
		Usage: "Tile a source raster into the pyramid of a layer",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     LAYERID,
				Aliases:  []string{"l"},
				Usage:    "Layer id, existing tiles of the layer are replaced",
				Required: true,
				EnvVars:  envVars(LAYERID),
			},
			&cli.StringFlag{
				Name:    NAME,
				Usage:   "Layer name",
				EnvVars: envVars(NAME),
			},
			&cli.StringFlag{
				Name:     SOURCE,
				Usage:    "Source raster, an ESRI ASCII grid or a zip archive holding one",
				Required: true,
				EnvVars:  envVars(SOURCE),
			},
			&cli.IntFlag{
				Name:    SRID,
				Usage:   "EPSG code of the source raster",
				Value:   raster.WebMercatorSRID,
				EnvVars: envVars(SRID),
			},
			&cli.StringFlag{
				Name:    DATATYPE,
				Usage:   "co (continuous), ca (categorical), ma (mask) or ro (rank ordered)",
				Value:   string(raster.Continuous),
				EnvVars: envVars(DATATYPE),
			},
			&cli.Float64Flag{
				Name:    NODATA,
				Usage:   "No-data value, overrides the source's",
				EnvVars: envVars(NODATA),
			},
			&cli.StringFlag{
				Name:    RESAMPLING,
				Usage:   "nearest or bilinear, defaults to the configuration or the datatype",
				EnvVars: envVars(RESAMPLING),
			},
		},
		Action: run(func(ctx context.Context, c *cli.Context, e *env) error {
			job := pyramid.Job{
				LayerID:  c.Int64(LAYERID),
				Name:     c.String(NAME),
				DataType: raster.DataType(c.String(DATATYPE)),
				Source:   c.String(SOURCE),
				SRID:     c.Int(SRID),
			}
			if c.IsSet(NODATA) {
				nodata := c.Float64(NODATA)
				job.NoData = &nodata
			}
			if c.IsSet(RESAMPLING) {
				r, err := raster.ParseResampling(c.String(RESAMPLING))
				if err != nil {
					return err
				}
				job.Resampling = r
			}
			opts := pyramid.Options{
				ZoomDown:      e.cfg.ZoomDown,
				Concurrency:   e.cfg.Concurrency,
				HistogramBins: e.cfg.HistogramBins,
				PageSize:      e.cfg.PageSize,
				WorkDir:       e.cfg.WorkDir,
				Metrics:       e.metrics,
			}
			if e.cfg.Resampling != "" {
				r, err := raster.ParseResampling(e.cfg.Resampling)
				if err != nil {
					return err
				}
				opts.Resampling = r
			}
			sink := pyramid.MultiSink{pyramid.LogSink{Logger: e.logger}, pyramid.NewStatusSink(e.store)}
			b := pyramid.New(e.store, fetch.LocalFetcher{WorkDir: e.cfg.WorkDir}, sink, e.grid, opts)

			e.logger.Info().Int64("layer_id", job.LayerID).Str("source", job.Source).Msg("=== start tiling ===")
			result, err := b.Build(ctx, job)
			if err != nil {
				return err
			}
			e.logger.Info().
				Str("run_id", result.RunID).
				Uint("max_zoom", result.MaxZoom).
				Uint("finest_zoom", result.FinestZoom).
				Int("dropped", result.Dropped).
				Msg("=== done tiling ===")
			return printJSON(result.TilesPerZoom)
		}),
	}
}

// parseLayers reads "a=1" bindings.
func parseLayers(bindings []string) (map[string]int64, error) {
	layers := make(map[string]int64, len(bindings))
	for _, b := range bindings {
		name, id, ok := strings.Cut(b, "=")
		if !ok {
			return nil, fmt.Errorf("layer binding %q is not of the form name=id", b)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("layer binding %q: %w", b, err)
		}
		layers[strings.TrimSpace(name)] = n
	}
	return layers, nil
}

func readGeometry(path string) (geom.Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	g, err := geomhelp.ReadGeoJSON(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

//nolint:funlen
func aggregateCommand() *cli.Command {
	return &cli.Command{
		Name:  "aggregate",
		Usage: "Count pixels of a formula over tiled layers",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     LAYER,
				Aliases:  []string{"l"},
				Usage:    "Formula variable bound to a layer id, repeatable. E.g.: a=1",
				Required: true,
				EnvVars:  envVars(LAYER),
			},
			&cli.StringFlag{
				Name:    FORMULA,
				Aliases: []string{"f"},
				Usage:   `Formula over the layer variables. E.g.: "a*(b>2)"`,
				Value:   "a",
				EnvVars: envVars(FORMULA),
			},
			&cli.StringFlag{
				Name:    GROUPING,
				Aliases: []string{"g"},
				Usage:   "auto, none, discrete, continuous or a legend id or title",
				Value:   aggregate.Auto,
				EnvVars: envVars(GROUPING),
			},
			&cli.UintFlag{
				Name:    ZOOM,
				Aliases: []string{"z"},
				Usage:   "Zoom level, defaults to the coarsest native zoom of the layers",
				EnvVars: envVars(ZOOM),
			},
			&cli.StringFlag{
				Name:    GEOMETRY,
				Usage:   "GeoJSON file with the (multi)polygon to aggregate over, in EPSG:3857",
				EnvVars: envVars(GEOMETRY),
			},
			&cli.BoolFlag{
				Name:    AREA,
				Usage:   "Report square meters instead of pixel counts",
				EnvVars: envVars(AREA),
			},
			&cli.BoolFlag{
				Name:    REQUIREREADY,
				Usage:   "Fail unless the last tiling run of every layer succeeded",
				EnvVars: envVars(REQUIREREADY),
			},
		},
		Action: run(func(ctx context.Context, c *cli.Context, e *env) error {
			layers, err := parseLayers(c.StringSlice(LAYER))
			if err != nil {
				return err
			}
			q := aggregate.Query{
				Layers:       layers,
				Formula:      c.String(FORMULA),
				Grouping:     c.String(GROUPING),
				Area:         c.Bool(AREA),
				RequireReady: c.Bool(REQUIREREADY),
			}
			if c.IsSet(ZOOM) {
				zoom := c.Uint(ZOOM)
				q.Zoom = &zoom
			}
			if c.IsSet(GEOMETRY) {
				if q.Geometry, err = readGeometry(c.String(GEOMETRY)); err != nil {
					return err
				}
				m, err := geomhelp.NewMask(q.Geometry)
				if err != nil {
					return err
				}
				e.logger.Debug().
					Str("geometry", geomhelp.WktMustEncode(q.Geometry, 120)).
					Float64("area", m.Area()).
					Msg("aggregating within")
			}
			a := aggregate.New(e.store, e.grid, e.legends, aggregate.Options{
				Concurrency: e.cfg.Concurrency,
				Metrics:     e.metrics,
				Logger:      e.logger,
			})
			start := time.Now()
			result, err := a.Aggregate(ctx, q)
			if err != nil {
				return err
			}
			e.logger.Info().Int("groups", len(result)).Dur("took", time.Since(start)).Msg("aggregated")
			return printJSON(mapslicehelp.ToOrderedMap(result, mapslicehelp.SortedLabels(result)))
		}),
	}
}

func legendImportCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import the color palette of a QGIS raster style as a legend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     TITLE,
				Usage:    "Legend title, must be unique",
				Required: true,
				EnvVars:  envVars(TITLE),
			},
			&cli.StringFlag{
				Name:     QML,
				Usage:    "QGIS style file",
				Required: true,
				EnvVars:  envVars(QML),
			},
		},
		Action: run(func(ctx context.Context, c *cli.Context, e *env) error {
			title := c.String(TITLE)
			if _, found, err := e.legends.FindLegend(ctx, title); err != nil {
				return err
			} else if found {
				return fmt.Errorf("%w: %q", errDuplicateTitle, title)
			}
			f, err := os.Open(c.String(QML))
			if err != nil {
				return err
			}
			defer f.Close()
			l, err := legend.ImportQML(f, title)
			if err != nil {
				return err
			}
			if err := e.legends.SaveLegend(ctx, l); err != nil {
				return err
			}
			e.logger.Info().Int64("legend_id", l.ID).Int("rules", len(l.Rules)).Msg("imported legend")
			return printJSON(l)
		}),
	}
}

func legendShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Print a legend and its colormap",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     REF,
				Usage:    "Legend id or title",
				Required: true,
				EnvVars:  envVars(REF),
			},
		},
		Action: run(func(ctx context.Context, c *cli.Context, e *env) error {
			l, found, err := e.legends.FindLegend(ctx, c.String(REF))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", legend.ErrNotFound, c.String(REF))
			}
			cmap, err := l.Colormap()
			if err != nil {
				return err
			}
			colors := make(map[string]string, cmap.Len())
			for p := cmap.Oldest(); p != nil; p = p.Next() {
				colors[p.Key] = fmt.Sprintf("#%02x%02x%02x%02x", p.Value.R, p.Value.G, p.Value.B, p.Value.A)
			}
			return printJSON(struct {
				*legend.Legend
				Colormap any `json:"colormap"`
			}{l, mapslicehelp.ToOrderedMap(colors, mapslicehelp.OrderedMapKeys(cmap))})
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the status of the last tiling run of a layer",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     LAYERID,
				Aliases:  []string{"l"},
				Required: true,
				EnvVars:  envVars(LAYERID),
			},
		},
		Action: run(func(ctx context.Context, c *cli.Context, e *env) error {
			layer := c.Int64(LAYERID)
			st, found, err := e.store.LoadStatus(ctx, layer)
			if err != nil {
				return err
			}
			if !found {
				st = raster.Status{LayerID: layer, State: raster.Unprocessed}
			}
			return printJSON(st)
		}),
	}
}
