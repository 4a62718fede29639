// Package onnx runs a token-classification NER model through ONNX Runtime.
package onnx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/eargollo/piiscan/internal/chunk"
	"github.com/eargollo/piiscan/internal/detect"
)

// Options configures Load.
type Options struct {
	ModelDir      string
	TokenizerDir  string
	SeqLen        int
	Workers       int
	IntraThreads  int
	Aliases       map[string]string
	MinConfidence float64
}

type session struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{s.inputIDs, s.attentionMask, s.tokenTypeIDs} {
		if t != nil {
			t.Destroy()
		}
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Detector is a detect.Detector backed by a pool of ONNX sessions, one per
// worker, so chunks can be classified concurrently.
type Detector struct {
	tok      *detect.WordPieceTokenizer
	decoder  detect.TokenDecoder
	seqLen   int
	sessions chan *session
	all      []*session
}

// Load initialises the runtime, the tokenizer and opts.Workers sessions.
// Failures wrap detect.ErrTokenizerInit, detect.ErrRuntimeInit or
// detect.ErrModelInit.
func Load(opts Options) (*Detector, error) {
	if opts.SeqLen <= 2 {
		return nil, fmt.Errorf("%w: seq_len %d too small", detect.ErrModelInit, opts.SeqLen)
	}
	workers := max(opts.Workers, 1)
	tokDir := opts.TokenizerDir
	if tokDir == "" {
		tokDir = opts.ModelDir
	}

	tok, err := detect.LoadTokenizerFromDir(tokDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detect.ErrTokenizerInit, err)
	}

	if err := initRuntime(opts.ModelDir); err != nil {
		return nil, fmt.Errorf("%w: %v", detect.ErrRuntimeInit, err)
	}

	labels, err := loadLabels(opts.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detect.ErrModelInit, err)
	}
	modelPath := resolveModelPath(opts.ModelDir)
	if modelPath == "" {
		return nil, fmt.Errorf("%w: no model.onnx in %s", detect.ErrModelInit, opts.ModelDir)
	}
	inputs, outputName, err := modelIO(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detect.ErrModelInit, err)
	}

	d := &Detector{
		tok: tok,
		decoder: detect.TokenDecoder{
			Labels:        labels,
			Aliases:       opts.Aliases,
			MinConfidence: opts.MinConfidence,
		},
		seqLen:   opts.SeqLen,
		sessions: make(chan *session, workers),
	}
	intra := max(opts.IntraThreads, 1)
	for i := 0; i < workers; i++ {
		s, err := newSession(modelPath, opts.SeqLen, len(labels), intra, inputs, outputName)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: session %d/%d: %v", detect.ErrModelInit, i+1, workers, err)
		}
		d.all = append(d.all, s)
		d.sessions <- s
	}

	slog.Info("onnx detector loaded",
		"model", modelPath, "labels", len(labels), "seq_len", opts.SeqLen, "sessions", workers)
	return d, nil
}

// Detect classifies every token of c.Text and returns entities whose label
// is in labels.
func (d *Detector) Detect(ctx context.Context, c chunk.TextChunk, labels detect.LabelSet) ([]detect.Entity, error) {
	if strings.TrimSpace(c.Text) == "" {
		return nil, nil
	}
	ids, attn, offsets := d.tok.EncodeWithOffsets(c.Text, d.seqLen)

	var s *session
	select {
	case s = <-d.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.sessions <- s }()

	copy(s.inputIDs.GetData(), ids)
	copy(s.attentionMask.GetData(), attn)
	if s.tokenTypeIDs != nil {
		clear(s.tokenTypeIDs.GetData())
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	ents := d.decoder.Decode(s.output.GetData(), offsets, c.Text)
	ents = labels.Filter(ents)
	for i := range ents {
		ents[i].Chunk = c.Index
	}
	return ents, nil
}

// Tokenizer returns the WordPiece tokenizer the model was trained with.
func (d *Detector) Tokenizer() chunk.Tokenizer { return d.tok }

// Close destroys all sessions and the runtime environment.
func (d *Detector) Close() error {
	for _, s := range d.all {
		s.destroy()
	}
	d.all = nil
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

func initRuntime(modelDir string) error {
	if ort.IsInitialized() {
		return nil
	}
	libPath := resolveSharedLibraryPath(modelDir)
	if libPath == "" {
		return errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime from %s: %w", libPath, err)
	}
	return nil
}

// resolveSharedLibraryPath locates the onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common locations are tried.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{
		"libonnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// resolveModelPath prefers a quantised model when both are present.
func resolveModelPath(dir string) string {
	for _, name := range []string{"model.int8.onnx", "model.onnx", filepath.Join("onnx", "model.onnx")} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLabels reads the class-index to tag mapping from config.json
// (id2label) or label_map.json (list or id map).
func loadLabels(dir string) ([]string, error) {
	if data, err := os.ReadFile(filepath.Join(dir, "label_map.json")); err == nil {
		var list []string
		if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
			return list, nil
		}
		var idMap map[string]string
		if err := json.Unmarshal(data, &idMap); err == nil {
			if labels := labelsFromIDMap(idMap); len(labels) > 0 {
				return labels, nil
			}
		}
		return nil, errors.New("label_map.json holds no labels")
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	labels := labelsFromIDMap(cfg.ID2Label)
	if len(labels) == 0 {
		return nil, errors.New("config.json has no id2label")
	}
	return labels, nil
}

func labelsFromIDMap(id2label map[string]string) []string {
	maxID := -1
	ids := make(map[int]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 0 {
			continue
		}
		ids[id] = v
		maxID = max(maxID, id)
	}
	if maxID < 0 {
		return nil
	}
	labels := make([]string, maxID+1)
	for id, lbl := range ids {
		labels[id] = lbl
	}
	for i, lbl := range labels {
		if lbl == "" {
			labels[i] = "O"
		}
	}
	return labels
}

// modelIO reports the model's input names and the name of its first output.
func modelIO(modelPath string) ([]string, string, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, "", fmt.Errorf("inspect %s: %w", modelPath, err)
	}
	if len(outputs) == 0 {
		return nil, "", fmt.Errorf("%s has no outputs", modelPath)
	}
	names := make([]string, 0, len(inputs))
	for _, in := range inputs {
		names = append(names, in.Name)
	}
	outName := outputs[0].Name
	for _, out := range outputs {
		if out.Name == "logits" {
			outName = out.Name
		}
	}
	return names, outName, nil
}

func newSession(modelPath string, seqLen, numLabels, intraThreads int, inputs []string, outputName string) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	s := &session{}
	shape := ort.NewShape(1, int64(seqLen))
	if s.inputIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	if s.attentionMask, err = ort.NewEmptyTensor[int64](shape); err != nil {
		s.destroy()
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{s.inputIDs, s.attentionMask}
	for _, name := range inputs {
		if name != "token_type_ids" {
			continue
		}
		if s.tokenTypeIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
			s.destroy()
			return nil, fmt.Errorf("allocate token_type_ids tensor: %w", err)
		}
		inputNames = append(inputNames, name)
		inputValues = append(inputValues, s.tokenTypeIDs)
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(numLabels))); err != nil {
		s.destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(modelPath, inputNames, []string{outputName},
		inputValues, []ort.Value{s.output}, opts)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return s, nil
}
