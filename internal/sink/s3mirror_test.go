package sink

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3Client struct {
	puts map[string][]byte
}

func (f *fakeS3Client) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, nil
}

func (f *fakeS3Client) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, nil
}

func (f *fakeS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestNewS3MirrorRejectsNonS3Scheme(t *testing.T) {
	if _, err := NewS3Mirror(&fakeS3Client{}, "https://bucket/prefix"); err == nil {
		t.Fatal("expected error for non-s3 scheme")
	}
}

func TestDirectoryMirrorsMetaAndDataFiles(t *testing.T) {
	client := &fakeS3Client{}
	mirror, err := NewS3Mirror(client, "s3://my-bucket/dumps/db1")
	if err != nil {
		t.Fatal(err)
	}

	d, err := Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	d.SetMirror(mirror)

	if err := d.WriteMeta("dump.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if got := client.puts["my-bucket/dumps/db1/dump.json"]; string(got) != `{"ok":true}` {
		t.Errorf("expected dump.json to be mirrored, got %q", got)
	}

	f, err := d.GetFile("users", "1", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("a\n")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	localData, err := os.ReadFile(filepath.Join(d.Path(), f.Name()))
	if err != nil {
		t.Fatal(err)
	}
	mirrored := client.puts["my-bucket/dumps/db1/"+f.Name()]
	if string(mirrored) != string(localData) {
		t.Errorf("expected mirrored data file to match local file, got %q want %q", mirrored, localData)
	}
}
