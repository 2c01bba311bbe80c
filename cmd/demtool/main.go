package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	demreader "golang-demreader"
)

// edit is one scripted property rewrite, applied when the target tick is
// reached during parsing.
type edit struct {
	Tick     int         `yaml:"tick"`
	Slot     int         `yaml:"slot"`
	Property string      `yaml:"property"`
	Value    interface{} `yaml:"value"`

	applied bool
}

type options struct {
	editScript string
	outPath    string
	summary    bool
	verbose    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.editScript, "edit", "", "YAML edit script applied to each demo")
	flag.StringVar(&opts.outPath, "out", "", "output path for the rewritten demo (single input only)")
	flag.BoolVar(&opts.summary, "summary", false, "print header, server info and player table")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: demtool [flags] demo.dem [demo.dem ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if opts.outPath != "" && len(files) > 1 {
		fmt.Fprintln(os.Stderr, "demtool: -out requires a single input file")
		os.Exit(2)
	}

	logCfg := zap.NewProductionConfig()
	if opts.verbose {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "demtool:", err)
		os.Exit(1)
	}
	defer log.Sync()

	var edits []edit
	if opts.editScript != "" {
		raw, err := os.ReadFile(opts.editScript)
		if err != nil {
			log.Fatal("read edit script", zap.Error(err))
		}
		if err := yaml.Unmarshal(raw, &edits); err != nil {
			log.Fatal("parse edit script", zap.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, path := range files {
		path := path
		g.Go(func() error {
			return processDemo(ctx, log.With(zap.String("demo", filepath.Base(path))), path, edits, opts)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("processing failed", zap.Error(err))
	}
}

func processDemo(ctx context.Context, log *zap.Logger, path string, script []edit, opts options) error {
	edits := make([]edit, len(script))
	copy(edits, script)

	hooks := demreader.Hooks{
		OnWarning: func(w demreader.Warning) {
			log.Warn("demo warning", zap.Int("tick", w.Tick), zap.String("op", w.Op), zap.Error(w.Err))
		},
		OnTick: func(s *demreader.Session, tick int) bool {
			for i := range edits {
				e := &edits[i]
				if e.applied || tick < e.Tick {
					continue
				}
				ent, ok := s.Entities().Entity(e.Slot)
				if !ok {
					continue
				}
				if err := ent.SetProperty(e.Property, e.Value); err != nil {
					log.Warn("edit failed",
						zap.Int("tick", tick),
						zap.Int("slot", e.Slot),
						zap.String("property", e.Property),
						zap.Error(err),
					)
					e.applied = true // do not retry a rejected edit
					continue
				}
				e.applied = true
				log.Info("edit applied",
					zap.Int("tick", tick),
					zap.Int("slot", e.Slot),
					zap.String("property", e.Property),
				)
			}
			return false
		},
	}

	s, err := demreader.NewSessionFile(path, demreader.WithLogger(log), demreader.WithHooks(hooks))
	if err != nil {
		return err
	}
	before := s.Fingerprint()
	if err := s.Parse(ctx); err != nil && !errors.Is(err, demreader.ErrStopped) {
		return fmt.Errorf("%s: %w", path, err)
	}

	for _, e := range edits {
		if !e.applied {
			log.Warn("edit never matched an entity",
				zap.Int("tick", e.Tick),
				zap.Int("slot", e.Slot),
				zap.String("property", e.Property),
			)
		}
	}

	after := s.Fingerprint()
	log.Info("demo parsed",
		zap.Int("ticks", s.Tick()),
		zap.Uint64("fingerprint", before),
		zap.Bool("modified", before != after),
	)
	if opts.summary {
		printSummary(s)
	}
	if opts.outPath != "" && before != after {
		if err := os.WriteFile(opts.outPath, s.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		log.Info("rewritten demo saved",
			zap.String("path", opts.outPath),
			zap.Uint64("fingerprint", after),
		)
	}
	return nil
}

func printSummary(s *demreader.Session) {
	h := s.Header()
	si := s.ServerInfo()
	var b strings.Builder
	fmt.Fprintf(&b, "map:      %s\n", h.MapName)
	fmt.Fprintf(&b, "server:   %s\n", h.ServerName)
	fmt.Fprintf(&b, "client:   %s\n", h.ClientName)
	fmt.Fprintf(&b, "duration: %.1fs (%d ticks, %d frames)\n", h.PlaybackTime, h.PlaybackTicks, h.PlaybackFrames)
	if si.MaxClients > 0 {
		fmt.Fprintf(&b, "host:     %s (%d/%d slots, tick %.4fs)\n", si.HostName, si.PlayerSlot, si.MaxClients, si.TickInterval)
	}
	if t, ok := s.Table("userinfo"); ok {
		fmt.Fprintf(&b, "players:\n")
		for i := range t.Entries {
			e, ok := t.Entry(i)
			if !ok {
				continue
			}
			if p, ok := e.Value.(demreader.PlayerInfo); ok && p.Name != "" {
				kind := ""
				if p.FakePlayer {
					kind = " [bot]"
				}
				fmt.Fprintf(&b, "  %3d  %s%s\n", p.UserID, p.Name, kind)
			}
		}
	}
	fmt.Print(b.String())
}
