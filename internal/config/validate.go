// Package config validates TestConfiguration values before any I/O
// occurs, turning violations into a single aggregated ConfigInvalid
// error (spec.md §7). Grounded on the teacher's manual defaulting in
// iperfClientRun ("if req.Duration == 0 { req.Duration = 5 }" etc.),
// generalized to struct-tag validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coretex-labs/iperf3go/internal/errs"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

var validate = validator.New()

// Validate checks cfg against spec.md §3's constraint table and returns a
// *errs.Error of kind ConfigInvalid enumerating every violation, or nil.
func Validate(cfg protomsg.TestConfiguration) error {
	var problems []string

	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if cfg.Duration <= 0 && cfg.BytesToTransfer <= 0 {
		problems = append(problems, "duration must be positive unless bytesToTransfer is set")
	}
	if cfg.NumStreams > 128 {
		problems = append(problems, "numStreams must not exceed 128")
	}
	if cfg.ReportingInterval <= 0 {
		problems = append(problems, "reportingInterval must be positive")
	}
	if cfg.BufferLength <= 0 {
		problems = append(problems, "bufferLength must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return errs.New(errs.ConfigInvalid, strings.Join(problems, "; "))
}

// Normalize fills in defaults for zero-valued optional fields, matching
// the reference client's behaviour.
func Normalize(cfg protomsg.TestConfiguration) protomsg.TestConfiguration {
	def := protomsg.DefaultTestConfiguration()
	if cfg.ServerPort == 0 {
		cfg.ServerPort = def.ServerPort
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.NumStreams == 0 {
		cfg.NumStreams = def.NumStreams
	}
	if cfg.ReportingInterval == 0 {
		cfg.ReportingInterval = def.ReportingInterval
	}
	if cfg.BufferLength == 0 {
		cfg.BufferLength = def.BufferLength
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return cfg
}

// ConnectTimeout returns the configured connect timeout, or a sane
// fallback if unset.
func ConnectTimeout(cfg protomsg.TestConfiguration) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 30 * time.Second
}
