package docformat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
)

func newFile(t *testing.T) (*sink.File, func() []byte) {
	t.Helper()
	d, err := sink.Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	f, err := d.GetFile("users", "1", false, false)
	if err != nil {
		t.Fatal(err)
	}
	return f, func() []byte {
		f.Close()
		data, err := os.ReadFile(filepath.Join(d.Path(), f.Name()))
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
}

func TestWriteVerbatimWithoutMasking(t *testing.T) {
	st := stats.New()
	f, read := newFile(t)
	body := []byte(`{"_key":"1"}` + "\n")
	if err := Write(st, nil, f, body, "users", false); err != nil {
		t.Fatal(err)
	}
	if string(read()) != string(body) {
		t.Errorf("expected verbatim copy")
	}
	if st.TotalWritten() != int64(len(body)) {
		t.Errorf("expected total written %d, got %d", len(body), st.TotalWritten())
	}
}

func TestWriteVerbatimWithPassthroughMaskings(t *testing.T) {
	st := stats.New()
	f, read := newFile(t)
	// Malformed JSON would fail to decode; a Passthrough Maskings must
	// never attempt to, confirming the verbatim path is actually taken.
	body := []byte("not valid json\n")
	if err := Write(st, masking.None{}, f, body, "users", false); err != nil {
		t.Fatal(err)
	}
	if string(read()) != string(body) {
		t.Errorf("expected verbatim copy, got %q", read())
	}
}

func TestWriteWithMaskingDropsFilteredDocs(t *testing.T) {
	st := stats.New()
	f, read := newFile(t)
	body := []byte(`{"_key":"1"}` + "\n" + `{"_key":"2"}` + "\n")

	m := dropKey2{}
	if err := Write(st, m, f, body, "users", false); err != nil {
		t.Fatal(err)
	}
	out := string(read())
	if !contains(out, `"_key":"1"`) || contains(out, `"_key":"2"`) {
		t.Errorf("expected only key 1 to survive masking, got %q", out)
	}
}

type dropKey2 struct{}

func (dropKey2) ShouldDumpStructure(string) bool { return true }
func (dropKey2) ShouldDumpData(string) bool      { return true }
func (dropKey2) Mask(_ string, doc masking.Document) (masking.Document, bool) {
	if doc["_key"] == "2" {
		return nil, false
	}
	return doc, true
}
func (dropKey2) Passthrough() bool { return false }

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
