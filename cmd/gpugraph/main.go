// Command gpugraph bakes a small image chain and runs it for a number of
// frames:
//
//	hostimage -> exposure -> invert -> readback
//
// The source is a PNG, JPEG, BMP, TIFF or WebP file, or a generated
// gradient when -input is empty.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/profile"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gogpu/gpugraph"
	_ "github.com/gogpu/gpugraph/backend/halgpu"
	_ "github.com/gogpu/gpugraph/backend/software"
	"github.com/gogpu/gpugraph/graph"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/nodes"
	_ "github.com/gogpu/wgpu/hal/allbackends"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		backendArg = flag.String("backend", "", "backend name, overrides the configuration")
		frames     = flag.Int("frames", 3, "number of frames to run")
		input      = flag.String("input", "", "source image; a gradient when empty")
		output     = flag.String("output", "gpugraph.png", "output PNG file")
		size       = flag.Int("size", 256, "gradient size")
		exposure   = flag.Float64("exposure", 0.5, "exposure in stops")
		prof       = flag.String("profile", "", "profile mode: cpu, mem or block")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gpugraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if p := profileMode(*prof); p != nil {
		defer profile.Start(p, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	cfg := gpugraph.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = gpugraph.LoadConfig(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	if *backendArg != "" {
		cfg.Backend = *backendArg
	}

	src, err := loadSource(*input, *size)
	if err != nil {
		log.Fatalf("source: %v", err)
	}
	if err := run(cfg, src, *frames, *exposure, *output); err != nil {
		log.Fatal(err)
	}
}

func profileMode(name string) func(*profile.Profile) {
	switch name {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	case "block":
		return profile.BlockProfile
	default:
		return nil
	}
}

func run(cfg gpugraph.Config, src image.Image, frames int, exposure float64, output string) error {
	eng, err := gpugraph.Open(gpugraph.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer eng.Close()

	b := eng.NewBuilder()
	in := b.Add("source", nodes.TypeHostImage)
	exp := b.Add("exposure", nodes.TypeExposure)
	inv := b.Add("invert", nodes.TypeInvert)
	out := b.Add("readback", nodes.TypeReadback)
	exp.Params = kernel.Snapshot{nodes.TypeExposure: {"exposure": exposure}}
	for _, e := range [][2]int{{in.ID, exp.ID}, {exp.ID, inv.ID}, {inv.ID, out.ID}} {
		if err := b.Connect(e[0], e[1]); err != nil {
			return err
		}
	}

	g, err := eng.Bake(b, nil)
	if err != nil {
		return err
	}
	defer g.Close()

	g.Node(in.Index).(*nodes.HostImage).SetImage(src) //nolint:forcetypeassert // registered type
	rb := g.Node(out.Index).(*nodes.Readback)         //nolint:forcetypeassert // registered type

	for frame := 0; frame < frames; {
		start := time.Now()
		res, err := eng.RunFrame(g, graph.ModeExport, frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		switch res.Status {
		case graph.StatusPending:
			time.Sleep(time.Millisecond)
			continue
		case graph.StatusClean, graph.StatusDirty:
		default:
			return fmt.Errorf("frame %d: %v", frame, res)
		}
		gpugraph.Logger().Info("frame done", "frame", frame, "status", res.Status, "elapsed", time.Since(start))
		frame++
	}
	gpugraph.Logger().Info("memory", "stats", eng.Stats().String())

	img, err := rb.Image()
	if err != nil {
		return err
	}
	return writePNG(output, img)
}

func loadSource(path string, size int) (image.Image, error) {
	if path == "" {
		if size <= 0 {
			return nil, errors.New("size must be positive")
		}
		return gradient(size), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func gradient(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / size),
				G: uint8(y * 255 / size),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
