package classifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/example/neuroscan/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMetadataDefaultsNames(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meta.json",
		`{"input_shape":[1,128,128,3],"output_shape":[1,4],"classes":["pituitary","glioma","notumor","meningioma"]}`)

	meta, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.InputName != "input" || meta.OutputName != "output" {
		t.Fatalf("unexpected tensor names %q %q", meta.InputName, meta.OutputName)
	}
	if meta.channelsFirst() {
		t.Fatal("NHWC metadata must not be treated as channels-first")
	}
}

func TestLoadMetadataDetectsChannelsFirst(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meta.json", `{"input_shape":[1,3,128,128],"output_shape":[1,4]}`)

	meta, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !meta.channelsFirst() {
		t.Fatal("expected channels-first layout")
	}
}

func TestLoadMetadataRejectsMismatchedClasses(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"order.json":  `{"input_shape":[1,128,128,3],"output_shape":[1,4],"classes":["glioma","pituitary","notumor","meningioma"]}`,
		"input.json":  `{"input_shape":[1,224,224,3],"output_shape":[1,4]}`,
		"output.json": `{"input_shape":[1,128,128,3],"output_shape":[1,7]}`,
		"broken.json": `{`,
	}
	for name, content := range cases {
		if _, err := LoadMetadata(writeFile(t, dir, name, content)); err == nil {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestNewONNXClassifierFailsWithoutArtifacts(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewONNXClassifier(filepath.Join(dir, "model.onnx"), filepath.Join(dir, "meta.json"), ""); err == nil {
		t.Fatal("expected construction failure without metadata")
	}

	meta := writeFile(t, dir, "meta.json", `{"input_shape":[1,128,128,3],"output_shape":[1,4]}`)
	if _, err := NewONNXClassifier(filepath.Join(dir, "model.onnx"), meta, ""); err == nil {
		t.Fatal("expected construction failure without model artifact")
	}
}

func TestSelectFallsBackWhenModelMissing(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ModelConfig{
		Backend:      ModeONNX,
		Path:         filepath.Join(dir, "missing.onnx"),
		MetadataPath: filepath.Join(dir, "missing.json"),
	}

	c, closeFn := Select(context.Background(), cfg, zap.NewNop())
	defer closeFn()
	if c.Mode() != ModeFallback {
		t.Fatalf("expected fallback, got %s", c.Mode())
	}
}

func TestSelectFallsBackForUnknownBackend(t *testing.T) {
	for _, backend := range []string{"", "none", "tensorflow"} {
		c, _ := Select(context.Background(), config.ModelConfig{Backend: backend}, zap.NewNop())
		if c.Mode() != ModeFallback {
			t.Fatalf("backend %q: expected fallback, got %s", backend, c.Mode())
		}
	}
}
