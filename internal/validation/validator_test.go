// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package validation

import (
	"strings"
	"testing"
)

type ruleInput struct {
	ID          string `validate:"required"`
	MaxRequests int    `validate:"gt=0"`
	WindowSecs  int    `validate:"gte=1,max=86400"`
	Action      string `validate:"oneof=log warn challenge block"`
}

func TestValidateStruct_Valid(t *testing.T) {
	in := ruleInput{ID: "login", MaxRequests: 5, WindowSecs: 60, Action: "block"}
	if err := ValidateStruct(&in); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateStruct_CollectsAllFailures(t *testing.T) {
	in := ruleInput{ID: "", MaxRequests: 0, WindowSecs: 0, Action: "nuke"}
	err := ValidateStruct(&in)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := len(err.Errors()); got != 4 {
		t.Errorf("expected 4 field failures, got %d: %v", got, err)
	}
	if !strings.Contains(err.Error(), "ID is required") {
		t.Errorf("missing required message: %v", err)
	}
	if !strings.Contains(err.Error(), "Action must be one of") {
		t.Errorf("missing oneof message: %v", err)
	}
}

func TestValidateStruct_FieldMetadata(t *testing.T) {
	in := ruleInput{ID: "x", MaxRequests: 1, WindowSecs: 90000, Action: "log"}
	err := ValidateStruct(&in)
	if err == nil {
		t.Fatal("expected validation error")
	}
	fe := err.Errors()[0]
	if fe.Field() != "WindowSecs" || fe.Tag() != "max" || fe.Param() != "86400" {
		t.Errorf("unexpected field error metadata: %+v", fe)
	}
}
