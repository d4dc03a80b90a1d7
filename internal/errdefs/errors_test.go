package errdefs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestConfigurationError(t *testing.T) {
	err := Configuration("token_count must be > 0, got %d", -1)
	if !IsConfiguration(err) {
		t.Fatal("expected configuration error")
	}
	if IsStorage(err) || IsIntegrity(err) {
		t.Error("configuration error matched the wrong category")
	}
	if !strings.Contains(err.Error(), "token_count") {
		t.Errorf("message lost: %v", err)
	}
}

func TestConfigurationErrorWrapped(t *testing.T) {
	err := fmt.Errorf("building recorder: %w", Configuration("bad resolution"))
	if !IsConfiguration(err) {
		t.Error("errors.As should see through fmt.Errorf wrapping")
	}
}

func TestShapeErrorMessage(t *testing.T) {
	e := &ShapeError{Step: 3, LayerID: "layer_1", Msg: "has invalid attention rank 2"}
	want := "step=3 layer=layer_1 has invalid attention rank 2"
	if e.Error() != want {
		t.Errorf("got %q want %q", e.Error(), want)
	}

	noLayer := &ShapeError{Step: 0, Msg: "has invalid head count 0"}
	if noLayer.Error() != "step=0 has invalid head count 0" {
		t.Errorf("got %q", noLayer.Error())
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	err := Storage("write", "/tmp/x.bin", os.ErrPermission)
	if !IsStorage(err) {
		t.Fatal("expected storage error")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("storage error should unwrap to the underlying cause")
	}
}

func TestIntegrityError(t *testing.T) {
	err := Integrity("size_mismatch:%s:expected=%d:actual=%d", "a.bin", 10, 8)
	if !IsIntegrity(err) {
		t.Fatal("expected integrity error")
	}
}
