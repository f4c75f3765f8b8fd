package api

import (
	"time"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/pkg/kef"
)

// CompilationRequest is the body of POST /v1/compilations and the input of
// CompileService.Compile. Paths are resolved on the server.
type CompilationRequest struct {
	// ID is optional; a uuid is assigned when empty.
	ID       string `json:"id,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Model    string `json:"model"`
	// Params is a params file. ModelParams takes precedence when both are set.
	Params              string              `json:"params,omitempty"`
	ModelParams         *params.ModelParams `json:"model_params,omitempty"`
	Data                string              `json:"data,omitempty"`
	Quantization        quant.Type          `json:"quantization"`
	Device              string              `json:"device,omitempty"`
	MetricDropThreshold *float64            `json:"metric_drop_threshold,omitempty"`
	// Output is the .kef path. Defaults to <out dir>/<model>-<id>.kef. Over
	// HTTP it is relative to the out dir and may not leave it.
	Output string `json:"output,omitempty"`
}

type Compilation struct {
	ID           string        `json:"id"`
	Object       string        `json:"object"`
	Status       string        `json:"status"`
	Strategy     string        `json:"strategy"`
	Quantization string        `json:"quantization"`
	Device       string        `json:"device"`
	Source       string        `json:"source"`
	Artifact     string        `json:"artifact,omitempty"`
	Error        string        `json:"error,omitempty"`
	Diagnostics  []string      `json:"diagnostics,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	CreatedAt    time.Time     `json:"created_at"`
	Manifest     *kef.Manifest `json:"manifest,omitempty"`
}

type CompilationList struct {
	Object string        `json:"object"`
	Data   []Compilation `json:"data"`
}

type StrategyCapabilities struct {
	Name         string                `json:"name"`
	Available    bool                  `json:"available"`
	Reason       string                `json:"reason,omitempty"`
	Capabilities []compiler.Capability `json:"capabilities,omitempty"`
}

type CapabilitiesResponse struct {
	Object     string                 `json:"object"`
	Toolchain  string                 `json:"toolchain"`
	Strategies []StrategyCapabilities `json:"strategies"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
