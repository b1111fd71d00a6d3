// Package cli is the boundary between the voxel commands and their callers:
// exactly one JSON object on stdout per invocation, diagnostics elsewhere.
package cli

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/postprocess"
	"github.com/tsawler/go-voxel/training"
	"github.com/tsawler/go-voxel/vision/dataset"
	"github.com/tsawler/go-voxel/vision/voxels"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	KindNone Kind = iota
	KindPrecondition
	KindIO
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPrecondition:
		return "precondition"
	case KindIO:
		return "io"
	default:
		return "runtime"
	}
}

// ExitCode is the process status for a failure of this kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindNone:
		return 0
	case KindPrecondition:
		return 2
	case KindIO:
		return 3
	default:
		return 1
	}
}

// Classify maps an error to its kind. Unrecognised errors are runtime
// failures.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, training.ErrPrecondition), errors.Is(err, dataset.ErrPairing):
		return KindPrecondition
	case errors.Is(err, checkpoints.ErrCorrupt),
		errors.Is(err, checkpoints.ErrMissingComponent),
		errors.Is(err, checkpoints.ErrIncompatible),
		errors.Is(err, voxels.ErrGridSize),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission):
		return KindIO
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindIO
	}
	return KindRuntime
}

// Result is the single object a command prints.
type Result struct {
	Payload any
	Err     error
}

// Success wraps a payload.
func Success(payload any) Result { return Result{Payload: payload} }

// Failure wraps an error.
func Failure(err error) Result { return Result{Err: err} }

// Kind classifies the result's error.
func (r Result) Kind() Kind { return Classify(r.Err) }

// ExitCode is the process status for the result.
func (r Result) ExitCode() int { return r.Kind().ExitCode() }

type errorBody struct {
	Error string `json:"error"`
}

// MarshalJSON renders {"error":...} for failures and the payload otherwise.
// The kind is carried by the exit code.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(errorBody{Error: r.Err.Error()})
	}
	return json.Marshal(r.Payload)
}

// Write prints the result as one line.
func (r Result) Write(w io.Writer) error {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(errorBody{Error: err.Error()})
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// StatusMessage is a payload carrying only a status and a message.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewTrainingCompleted returns the stock success payload of a training run.
func NewTrainingCompleted() StatusMessage {
	return StatusMessage{Status: "success", Message: "Training completed"}
}

// Help is the result of a help request; the usage text itself goes to
// stderr.
func Help() Result {
	return Success(StatusMessage{Status: "success", Message: "usage written to stderr"})
}

// Reconstruction is the success payload of an inference call.
type Reconstruction struct {
	Status string `json:"status"`
	*postprocess.Result
}

// NewReconstruction wraps an extraction result.
func NewReconstruction(res *postprocess.Result) Reconstruction {
	return Reconstruction{Status: "success", Result: res}
}
