package model

import (
	"encoding/json"
	"testing"
)

func TestParsePlatform(t *testing.T) {
	cases := []struct {
		raw     string
		want    Platform
		wantErr bool
	}{
		{raw: "ios", want: PlatformIOS},
		{raw: " Android ", want: PlatformAndroid},
		{raw: "IOS", want: PlatformIOS},
		{raw: "windows", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePlatform(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got %q want %q", tc.raw, got, tc.want)
		}
	}
}

func TestWorkItemRoundTrip(t *testing.T) {
	item := NewWorkItem(PlatformIOS, []byte("device-token"), "salt", json.RawMessage(`{"province":"RM"}`))
	raw, err := item.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeWorkItem(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SubmissionID != item.SubmissionID {
		t.Fatalf("submission id mismatch: %q vs %q", decoded.SubmissionID, item.SubmissionID)
	}
	if decoded.Dummy() {
		t.Fatal("genuine item reported as dummy")
	}
}

func TestDecoyItemIsDummy(t *testing.T) {
	item := NewDecoyItem(PlatformAndroid, json.RawMessage(`{}`))
	if !item.Dummy() {
		t.Fatal("decoy item must report dummy")
	}
	if item.SubmissionID == "" {
		t.Fatal("decoy item needs a submission id")
	}
}

func TestDecodeWorkItemRejectsBadPlatform(t *testing.T) {
	if _, err := DecodeWorkItem([]byte(`{"submission_id":"s1","platform":"osx"}`)); err == nil {
		t.Fatal("expected platform validation error")
	}
	if _, err := DecodeWorkItem([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := DecodeWorkItem([]byte(`{"platform":"ios"}`)); err == nil {
		t.Fatal("expected missing submission id error")
	}
}
