// Package testutil holds helpers shared by the test suites.
package testutil

import (
	"io/ioutil"
	"path"
	"runtime"
	"testing"
)

// Fixture returns the contents of a file under internal/testutil/testdata.
func Fixture(t *testing.T, relPath string) []byte {
	t.Helper()

	p := fixturePath(relPath)
	bytes, err := ioutil.ReadFile(p)
	if err != nil {
		t.Fatalf("error loading fixture %s: %v", p, err)
	}

	return bytes
}

func fixturePath(relPath string) string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		panic("error loading caller")
	}
	return path.Join(path.Dir(filename), "testdata", relPath)
}
