// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package validation

import (
	"strings"
	"testing"
)

type issueKeyRequest struct {
	Name  string `validate:"required,max=64"`
	Email string `validate:"omitempty,email"`
	Role  string `validate:"oneof=viewer analyst manager admin"`
	TTL   int    `validate:"min=0"`
}

func TestValidateStructPasses(t *testing.T) {
	req := issueKeyRequest{Name: "ci-runner", Role: "viewer"}
	if err := ValidateStruct(&req); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}
}

func TestValidateStructSingleError(t *testing.T) {
	req := issueKeyRequest{Role: "viewer"}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(err.Errors()) != 1 {
		t.Fatalf("expected 1 error, got %d", len(err.Errors()))
	}
	fe := err.Errors()[0]
	if fe.Field() != "Name" || fe.Tag() != "required" {
		t.Fatalf("unexpected field error: %s/%s", fe.Field(), fe.Tag())
	}

	apiErr := err.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code %q", apiErr.Code)
	}
	if apiErr.Details["field"] != "Name" {
		t.Fatalf("unexpected details: %v", apiErr.Details)
	}
}

func TestValidateStructMultipleErrors(t *testing.T) {
	req := issueKeyRequest{Email: "not-an-email", Role: "owner", TTL: -1}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(err.Errors()) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(err.Errors()), err)
	}

	apiErr := err.ToAPIError()
	if _, ok := apiErr.Details["fields"]; !ok {
		t.Fatalf("expected fields detail, got %v", apiErr.Details)
	}
	if !strings.Contains(apiErr.Message, "Email must be a valid email address") {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
	if !strings.Contains(apiErr.Message, "Role must be one of") {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestTranslateMinMaxStrings(t *testing.T) {
	type named struct {
		Name string `validate:"min=3"`
	}
	err := ValidateStruct(&named{Name: "ab"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := err.Errors()[0].Error(); got != "Name must be at least 3 characters" {
		t.Fatalf("unexpected message %q", got)
	}
}
