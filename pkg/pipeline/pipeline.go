// Package pipeline orchestrates the full checkpoint workflow: optional
// Civitai download, component extraction, F16 GGUF conversion and
// quantization, with verification of every produced GGUF file.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	parser "github.com/gpustack/gguf-parser-go"
	"golang.org/x/sync/errgroup"

	"github.com/sdxl-tools/sdgguf/pkg/civitai"
	"github.com/sdxl-tools/sdgguf/pkg/convert"
	"github.com/sdxl-tools/sdgguf/pkg/extract"
	"github.com/sdxl-tools/sdgguf/pkg/logging"
	"github.com/sdxl-tools/sdgguf/pkg/progress"
	"github.com/sdxl-tools/sdgguf/pkg/quant"
)

// Options configures a pipeline run. Exactly one of ModelPath or
// ModelVersionID must identify the source checkpoint unless a later stage is
// given its input directly via UNetPath or GGUFPath.
type Options struct {
	// ModelPath is a local checkpoint file. Ignored when downloading.
	ModelPath string
	// OutputDir receives the extracted components and GGUF files.
	OutputDir string

	// ModelVersionID selects a Civitai model version to download.
	ModelVersionID int64
	// DownloadDir receives downloaded checkpoints. Defaults to OutputDir.
	DownloadDir string
	// CivitaiToken authenticates downloads of gated models.
	CivitaiToken string
	// CivitaiBaseURL overrides the Civitai endpoint, primarily for tests.
	CivitaiBaseURL string

	// ModelName overrides the name derived from the checkpoint filename.
	ModelName string
	// QuantTypes lists the quantizations to produce. Empty means none.
	QuantTypes []quant.Type

	// SkipExtract starts from an already extracted UNet at UNetPath.
	SkipExtract bool
	UNetPath    string
	// SkipConvert starts from an existing F16 GGUF at GGUFPath.
	SkipConvert bool
	GGUFPath    string
	// SkipQuant stops after conversion.
	SkipQuant bool

	// Concurrency bounds parallel quantization. Zero means sequential.
	Concurrency int
	// Progress, when non-nil, receives download progress updates.
	Progress chan<- progress.Update
}

// OutputFile describes one file produced (or consumed) by a run, for the
// summary table.
type OutputFile struct {
	Label string
	Path  string
	Size  int64
}

// Result reports what a run produced.
type Result struct {
	ModelName  string
	ModelPath  string
	Components extract.Result
	F16Path    string
	Quantized  map[quant.Type]string
	Files      []OutputFile
}

// Pipeline runs the checkpoint conversion workflow.
type Pipeline struct {
	opts Options
	log  logging.Logger
}

// New returns a Pipeline for the given options.
func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts, log: logging.NewComponentLogger("pipeline")}
}

func (p *Pipeline) validate() error {
	o := &p.opts
	if o.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if o.SkipConvert && o.GGUFPath == "" {
		return fmt.Errorf("skipping conversion requires the path to an existing GGUF file")
	}
	if o.SkipExtract && !o.SkipConvert && o.UNetPath == "" {
		return fmt.Errorf("skipping extraction requires the path to an existing UNet file")
	}
	if !o.SkipExtract && !o.SkipConvert && o.ModelPath == "" && o.ModelVersionID == 0 {
		return fmt.Errorf("either a model path or a Civitai model version ID is required")
	}
	return nil
}

// Run executes the workflow and returns the produced files.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	o := &p.opts

	if err := os.MkdirAll(o.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	res := &Result{Quantized: make(map[quant.Type]string)}

	modelPath := o.ModelPath
	if !o.SkipExtract && !o.SkipConvert && o.ModelVersionID != 0 {
		downloaded, err := p.download(ctx)
		if err != nil {
			return nil, err
		}
		modelPath = downloaded
	}
	res.ModelPath = modelPath
	res.ModelName = p.modelName(modelPath)

	unetPath := o.UNetPath
	if !o.SkipExtract && !o.SkipConvert {
		p.log.Infof("extracting components from %s", modelPath)
		components, err := extract.New().Extract(modelPath, filepath.Join(o.OutputDir, "components"))
		if err != nil {
			return nil, fmt.Errorf("extract components: %w", err)
		}
		res.Components = components
		unetPath = components[extract.ComponentUNet]
		if unetPath == "" {
			return nil, fmt.Errorf("checkpoint %s contains no UNet tensors", modelPath)
		}
	}

	f16Path := o.GGUFPath
	if !o.SkipConvert {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res.ModelName == "" {
			res.ModelName = p.modelName(unetPath)
		}
		f16Path = filepath.Join(o.OutputDir, "gguf", res.ModelName+"-F16.gguf")
		p.log.Infof("converting %s", unetPath)
		if err := convert.New().ToGGUF(unetPath, f16Path); err != nil {
			return nil, fmt.Errorf("convert to GGUF: %w", err)
		}
		if err := p.verify(f16Path); err != nil {
			return nil, err
		}
	}
	res.F16Path = f16Path
	if res.ModelName == "" {
		res.ModelName = p.modelName(f16Path)
	}

	if !o.SkipQuant && len(o.QuantTypes) > 0 {
		if err := p.quantizeAll(ctx, f16Path, res); err != nil {
			return nil, err
		}
	}

	p.collectFiles(res)
	return res, nil
}

// download fetches the configured Civitai model version's primary file.
func (p *Pipeline) download(ctx context.Context) (string, error) {
	o := &p.opts
	dir := o.DownloadDir
	if dir == "" {
		dir = o.OutputDir
	}

	var copts []civitai.Option
	if o.CivitaiBaseURL != "" {
		copts = append(copts, civitai.WithBaseURL(o.CivitaiBaseURL))
	}
	client := civitai.NewClient(o.CivitaiToken, copts...)
	version, err := client.GetModelVersion(ctx, o.ModelVersionID)
	if err != nil {
		return "", err
	}
	file, err := version.PrimaryFile()
	if err != nil {
		return "", fmt.Errorf("model version %d: %w", o.ModelVersionID, err)
	}
	p.log.Infof("downloading %s (%s, version %s)", file.Name, version.Model.Name, version.Name)
	return client.DownloadFile(ctx, file, dir, o.Progress)
}

// modelName derives the output base name from the override or the source
// filename.
func (p *Pipeline) modelName(path string) string {
	if p.opts.ModelName != "" {
		return sanitizeName(p.opts.ModelName)
	}
	if path == "" {
		return ""
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.TrimSuffix(stem, "_unet")
	stem = strings.TrimSuffix(stem, "-F16")
	return sanitizeName(stem)
}

// sanitizeName keeps output filenames shell and filesystem friendly.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
}

// quantizeAll produces every requested quantization from the F16 file,
// bounded by the configured concurrency.
func (p *Pipeline) quantizeAll(ctx context.Context, f16Path string, res *Result) error {
	o := &p.opts
	conv := convert.New()

	g, ctx := errgroup.WithContext(ctx)
	limit := o.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	for _, target := range o.QuantTypes {
		target := target
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			outPath := filepath.Join(o.OutputDir, "quantized", res.ModelName+"-"+string(target)+".gguf")
			p.log.Infof("quantizing to %s", target)
			if err := conv.QuantizeFile(f16Path, outPath, target); err != nil {
				return fmt.Errorf("quantize to %s: %w", target, err)
			}
			if err := p.verify(outPath); err != nil {
				return err
			}
			mu.Lock()
			res.Quantized[target] = outPath
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// verify re-parses a produced GGUF file with an independent parser and
// checks it carries the expected architecture.
func (p *Pipeline) verify(path string) error {
	gf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	md := gf.Metadata()
	if md.Architecture != convert.Architecture {
		return fmt.Errorf("verify %s: unexpected architecture %q", path, md.Architecture)
	}
	if len(gf.TensorInfos) == 0 {
		return fmt.Errorf("verify %s: no tensors", path)
	}
	p.log.Debugf("verified %s: %d tensors, %s", path, len(gf.TensorInfos), md.FileType)
	return nil
}

// collectFiles assembles summary rows for every file the run produced.
func (p *Pipeline) collectFiles(res *Result) {
	add := func(label, path string) {
		if path == "" {
			return
		}
		stat, err := os.Stat(path)
		if err != nil {
			return
		}
		res.Files = append(res.Files, OutputFile{Label: label, Path: path, Size: stat.Size()})
	}

	for _, component := range extract.Components {
		add(strings.ToUpper(string(component)), res.Components[component])
	}
	add("F16", res.F16Path)

	targets := make([]quant.Type, 0, len(res.Quantized))
	for target := range res.Quantized {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, target := range targets {
		add(string(target), res.Quantized[target])
	}
}
