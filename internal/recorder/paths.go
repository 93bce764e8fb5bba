package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const timestampLayout = "2006-01-02_15-04-05"

// resolveBasename returns the basename to use for a new recording: the
// caller-supplied name if given, otherwise a local-time timestamp. If a
// file already exists under that basename in dir, a short disambiguator is
// appended so StartRecord never silently overwrites a prior recording in
// flight.
func resolveBasename(requested string, dir string, now time.Time) string {
	base := requested
	if base == "" {
		base = now.Format(timestampLayout)
	}

	candidate := base
	for i := 0; i < 1; i++ {
		if !exists(filepath.Join(dir, candidate+".ts")) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
	}
	return candidate
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type paths struct {
	temp    string
	archive string
	visible string
}

func resolvePaths(dir, basename string) paths {
	return paths{
		temp:    filepath.Join(dir, "tmp", basename+".ts"),
		archive: filepath.Join(dir, "archive", basename+".ts"),
		visible: filepath.Join(dir, basename+".ts"),
	}
}
