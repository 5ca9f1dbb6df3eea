package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/dumpring/internal/capture"
	"github.com/banshee-data/dumpring/internal/catalog"
	"github.com/banshee-data/dumpring/internal/config"
	"github.com/banshee-data/dumpring/internal/security"
	"github.com/banshee-data/dumpring/internal/synth"
	"github.com/banshee-data/dumpring/internal/version"
	"github.com/banshee-data/dumpring/internal/voltage"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON dump config (defaults apply when empty)")
	pcapFile    = flag.String("pcap", "", "Replay voltage packets from this pcap/pcapng capture")
	synthCount  = flag.Int("synth", 0, "Push this many synthetic payloads instead of replaying a capture")
	seed        = flag.Uint64("seed", 1, "Seed for -synth payloads")
	outPath     = flag.String("out", "", "Dump destination (default: a timestamped store in output_dir)")
	chunkSize   = flag.Int("chunk", 0, "Time slots per chunk (overrides chunk_size)")
	catalogPath = flag.String("catalog", "", "sqlite catalog of dumps (overrides catalog_path)")
	listDumps   = flag.Int("list", -1, "Print the newest N catalogued dumps (0 for all) and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// options are the resolved command-line settings.
type options struct {
	cfg     *config.DumpConfig
	pcap    string
	synth   int
	seed    uint64
	out     string
	catalog string
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := config.EmptyDumpConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadDumpConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *chunkSize > 0 {
		cfg.ChunkSize = chunkSize
	}
	opts := options{
		cfg:     cfg,
		pcap:    *pcapFile,
		synth:   *synthCount,
		seed:    *seed,
		out:     *outPath,
		catalog: cfg.GetCatalogPath(),
	}
	if *catalogPath != "" {
		opts.catalog = *catalogPath
	}

	if *listDumps >= 0 {
		if err := list(os.Stdout, opts.catalog, *listDumps); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, opts)
	if err != nil {
		log.Fatalf("dump failed: %v", err)
	}
	log.Printf("dumped %d slots to %s", res.Slots, res.Path)
}

// run fills a ring from the configured source, dumps it and records the
// dump in the catalog when one is configured.
func run(ctx context.Context, opts options) (voltage.DumpResult, error) {
	if (opts.pcap == "") == (opts.synth <= 0) {
		return voltage.DumpResult{}, errors.New("exactly one of -pcap or -synth is required")
	}

	cfg := opts.cfg
	ring, err := voltage.NewDumpRing(cfg.GetCapacity())
	if err != nil {
		return voltage.DumpResult{}, err
	}
	log.Printf("ring: %d slots (%d MiB)", ring.Cap(), ring.Cap()*voltage.SlotSize>>20)

	label := "synth"
	if opts.pcap != "" {
		label = filepath.Base(opts.pcap)
		stats, err := capture.ReplayPCAPFile(ctx, opts.pcap, cfg.ReplayConfig(), ring)
		if err != nil {
			return voltage.DumpResult{}, err
		}
		if stats.Payloads == 0 {
			return voltage.DumpResult{}, fmt.Errorf("no voltage payloads found in %s", opts.pcap)
		}
	} else if err := synth.FillRing(ctx, ring, 0, opts.synth, opts.seed); err != nil {
		return voltage.DumpResult{}, err
	}
	if s := ring.Stats(); s.Gaps > 0 {
		log.Printf("ring: %d sequence gaps in %d pushes", s.Gaps, s.Pushes)
	}

	dest := opts.out
	if dest == "" {
		outDir := cfg.GetOutputDir()
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return voltage.DumpResult{}, fmt.Errorf("failed to create output dir: %w", err)
		}
		if dest, err = security.DumpPath(outDir, label, time.Now()); err != nil {
			return voltage.DumpResult{}, err
		}
	}

	res, err := ring.DumpToPath(dest, cfg.DumpOptions())
	if err != nil {
		return res, err
	}

	if opts.catalog != "" {
		cat, err := catalog.Open(opts.catalog)
		if err != nil {
			return res, err
		}
		defer cat.Close()
		if _, err := cat.Record(res, ring.Cap(), label); err != nil {
			return res, err
		}
	}
	return res, nil
}

func list(w io.Writer, catalogPath string, limit int) error {
	if catalogPath == "" {
		return errors.New("-list needs -catalog or catalog_path")
	}
	cat, err := catalog.Open(catalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	entries, err := cat.List(limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  slots=%d/%d counts=%d..%d gaps=%d  %s\n",
			e.ID, e.Created.Format(time.RFC3339), e.Slots, e.Capacity, e.Oldest, e.Newest, e.Gaps, e.Path)
	}
	return nil
}
