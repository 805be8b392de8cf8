package apiresp_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dalemusser/classhub/internal/app/features/shared/apiresp"
	"github.com/dalemusser/classhub/internal/app/membership"
	"github.com/dalemusser/classhub/internal/app/system/limits"
	"github.com/dalemusser/classhub/internal/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", apiresp.BadRequest("nope"), http.StatusBadRequest},
		{"already member", membership.ErrAlreadyMember, http.StatusBadRequest},
		{"not member", membership.ErrNotMember, http.StatusBadRequest},
		{"empty filter", membership.ErrEmptyFilter, http.StatusBadRequest},
		{"not found", &membership.NotFoundError{Kind: "cohorts"}, http.StatusNotFound},
		{"no documents", mongo.ErrNoDocuments, http.StatusNotFound},
		{"conflict", fmt.Errorf("name taken: %w", membership.ErrConflict), http.StatusConflict},
		{"timeout", fmt.Errorf("reconcile: %w", membership.ErrTimeout), http.StatusGatewayTimeout},
		{"partial failure", &membership.PartialFailure{Op: "x", Err: errors.New("y")}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apiresp.Status(tt.err); got != tt.want {
				t.Errorf("Status(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_PartialFailureListsIDs(t *testing.T) {
	id := primitive.NewObjectID()
	rec := testutil.NewRecorder()
	apiresp.Error(rec, zap.NewNop(), "bulk", &membership.PartialFailure{
		Op: "delete sessions matching", Failed: []primitive.ObjectID{id}, Err: errors.New("write failed"),
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var data struct {
		Failed []string `json:"failed"`
	}
	env := rec.DecodeEnvelope(t, &data)
	if env.Success {
		t.Error("success should be false")
	}
	if len(data.Failed) != 1 || data.Failed[0] != id.Hex() {
		t.Errorf("failed = %v, want [%s]", data.Failed, id.Hex())
	}
	// Internal errors are not echoed.
	if strings.Contains(rec.Body.String(), "write failed") {
		t.Error("internal error text leaked into the response")
	}
}

func TestOKAndMessage(t *testing.T) {
	rec := testutil.NewRecorder()
	apiresp.OK(rec, http.StatusCreated, map[string]string{"name": "P1"})
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	env := rec.DecodeEnvelope(t, nil)
	if !env.Success || !strings.Contains(string(env.Data), `"P1"`) {
		t.Errorf("envelope = %+v", env)
	}

	rec = testutil.NewRecorder()
	apiresp.Message(rec, http.StatusOK, "Cohort deleted")
	env = rec.DecodeEnvelope(t, nil)
	if !env.Success || env.Message != "Cohort deleted" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"x"}`, false},
		{"empty", ``, true},
		{"malformed", `{"name":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := apiresp.DecodeJSON(httptest.NewRecorder(), req, &v)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeJSON err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apiresp.ErrBadRequest) {
				t.Errorf("decode errors should be bad requests, got %v", err)
			}
		})
	}
}

func TestIDParamAndParseIDs(t *testing.T) {
	id := primitive.NewObjectID()
	req := testutil.WithChiURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", id.Hex())
	got, err := apiresp.IDParam(req, "id")
	if err != nil || got != id {
		t.Errorf("IDParam = %v, %v", got, err)
	}

	bad := testutil.WithChiURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", "xyz")
	if _, err := apiresp.IDParam(bad, "id"); !errors.Is(err, apiresp.ErrBadRequest) {
		t.Errorf("IDParam(xyz) err = %v, want bad request", err)
	}

	if ids, err := apiresp.ParseIDs("member_ids", nil); ids != nil || err != nil {
		t.Errorf("ParseIDs(nil) = %v, %v; want nil, nil", ids, err)
	}
	if ids, err := apiresp.ParseIDs("member_ids", []string{}); ids == nil || len(ids) != 0 || err != nil {
		t.Errorf("ParseIDs(empty) = %v, %v; want empty", ids, err)
	}
	if _, err := apiresp.ParseIDs("member_ids", []string{id.Hex(), "nope"}); !errors.Is(err, apiresp.ErrBadRequest) {
		t.Errorf("ParseIDs with bad id err = %v", err)
	}

	tooMany := make([]string, limits.MaxIDsPerList+1)
	for i := range tooMany {
		tooMany[i] = id.Hex()
	}
	if _, err := apiresp.ParseIDs("student_ids", tooMany); !errors.Is(err, apiresp.ErrBadRequest) {
		t.Errorf("ParseIDs over the cap err = %v, want bad request", err)
	}
}
