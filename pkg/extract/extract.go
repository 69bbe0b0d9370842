// Package extract splits an SDXL checkpoint into its UNet, CLIP_L, CLIP_G
// and VAE components, each written as a standalone safetensors file.
package extract

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/sdxl-tools/sdgguf/pkg/logging"
	"github.com/sdxl-tools/sdgguf/pkg/safetensors"
)

// Component identifies one of the four SDXL sub-models.
type Component string

const (
	ComponentUNet  Component = "unet"
	ComponentClipL Component = "clip_l"
	ComponentClipG Component = "clip_g"
	ComponentVAE   Component = "vae"
)

// Key prefixes used by SDXL checkpoints in the original (LDM) layout.
const (
	prefixClipL = "conditioner.embedders.0."
	prefixClipG = "conditioner.embedders.1."
	prefixVAE   = "first_stage_model."
)

// Components lists the four components in extraction order.
var Components = []Component{ComponentUNet, ComponentClipL, ComponentClipG, ComponentVAE}

// Result maps each component to the path of its extracted safetensors file.
type Result map[Component]string

// Route returns the component a checkpoint key belongs to and the key it
// should be stored under. VAE keys lose their prefix; all other keys are
// kept verbatim, with the UNet taking everything not claimed by the text
// encoders or the VAE.
func Route(key string) (Component, string) {
	switch {
	case strings.HasPrefix(key, prefixClipL):
		return ComponentClipL, key
	case strings.HasPrefix(key, prefixClipG):
		return ComponentClipG, key
	case strings.HasPrefix(key, prefixVAE):
		return ComponentVAE, strings.TrimPrefix(key, prefixVAE)
	default:
		return ComponentUNet, key
	}
}

// Extractor splits checkpoints into component files.
type Extractor struct {
	log logging.Logger
}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{log: logging.NewComponentLogger("extract")}
}

// Extract splits the checkpoint at modelPath into four safetensors files
// under outputDir, named "<stem>_<component>.safetensors". Tensor payloads
// are streamed, so memory use stays flat regardless of checkpoint size.
func (e *Extractor) Extract(modelPath, outputDir string) (Result, error) {
	src, err := safetensors.Open(modelPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer src.Close()

	stem := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))

	// Partition keys first so each component writer can declare its full
	// tensor list before any payload is written.
	routed := make(map[Component][]string)
	stored := make(map[string]string)
	for _, key := range src.Names() {
		component, storeKey := Route(key)
		routed[component] = append(routed[component], key)
		stored[key] = storeKey
	}

	result := make(Result, len(Components))
	for _, component := range Components {
		keys := routed[component]
		if len(keys) == 0 {
			e.log.Warnf("checkpoint has no %s tensors, skipping", component)
			continue
		}
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.safetensors", stem, component))
		e.log.Infof("writing %s (%d tensors) to %s", component, len(keys), path)
		if err := e.writeComponent(src, keys, stored, path); err != nil {
			return nil, fmt.Errorf("extract %s: %w", component, err)
		}
		result[component] = path
	}
	return result, nil
}

func (e *Extractor) writeComponent(src *safetensors.File, keys []string, stored map[string]string, path string) error {
	w, err := safetensors.NewWriter(path)
	if err != nil {
		return err
	}

	for _, key := range keys {
		info, err := src.Tensor(key)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.Declare(stored[key], info.DType, info.Shape); err != nil {
			w.Close()
			return err
		}
	}

	for _, key := range keys {
		key := key
		err := w.StreamTensor(func(dst io.Writer) (int64, error) {
			return src.CopyTensor(key, dst)
		})
		if err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
