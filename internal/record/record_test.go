package record

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEntityTypeValid(t *testing.T) {
	for _, typ := range []EntityType{TypeSubmission, TypeMedia, TypeForm, TypeProject} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	for _, typ := range []EntityType{"", "task", "SUBMISSION"} {
		if typ.Valid() {
			t.Errorf("%q should be invalid", typ)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"valid", Record{ID: "a", Type: TypeSubmission}, false},
		{"missing id", Record{Type: TypeSubmission}, true},
		{"missing type", Record{ID: "a"}, true},
		{"bad type", Record{ID: "a", Type: "bogus"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("Empty id")
		}
		if seen[id] {
			t.Fatalf("Duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestAttachments(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"with attachments", `{"title":"x","attachments":["a","b"]}`, 2},
		{"empty list", `{"attachments":[]}`, 0},
		{"no field", `{"title":"x"}`, 0},
		{"empty payload", ``, 0},
		{"garbage payload", `not json`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{ID: "a", Type: TypeForm, Payload: []byte(tt.payload)}
			if got := rec.Attachments(); len(got) != tt.want {
				t.Errorf("Attachments() = %v, want %d refs", got, tt.want)
			}
		})
	}
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()

	rec := &Record{ID: "sub-1", Type: TypeSubmission, Payload: []byte(`{"f":"v"}`)}
	if err := WriteFile(dir, rec); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	got, err := ReadFile(filepath.Join(dir, rec.Filename()))
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if got.ID != "sub-1" || got.Type != TypeSubmission {
		t.Errorf("Got %+v", got)
	}
}

func TestReadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"type":"submission"}`), 0o644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	if _, err := ReadFile(path); err == nil {
		t.Error("ReadFile should reject a record with no id")
	}
}

func TestReadAllSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()

	good := &Record{ID: "sub-1", Type: TypeSubmission, Payload: []byte(`{}`)}
	if err := WriteFile(dir, good); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("Failed to write junk: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatalf("Failed to write txt: %v", err)
	}

	recs, err := ReadAll(dir)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "sub-1" {
		t.Errorf("Got %+v, want just sub-1", recs)
	}
}
