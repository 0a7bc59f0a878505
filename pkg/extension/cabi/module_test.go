//go:build linux

package cabi

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"monokkai/pkg/extension"
)

const includeDir = "../../../include"

// buildModule compiles source into a shared library in a temp dir. Extra
// compiler flags (defines) go in flags.
func buildModule(t *testing.T, source string, flags ...string) string {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("cc not available")
	}
	out := filepath.Join(t.TempDir(), "libext.so")
	args := append([]string{"-shared", "-fPIC", "-I" + includeDir, "-o", out}, flags...)
	args = append(args, source)
	if output, err := exec.Command(cc, args...).CombinedOutput(); err != nil {
		t.Fatalf("compile %s: %v\n%s", source, err, output)
	}
	return out
}

func writeSource(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ext.c")
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func readMarker(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read marker: %v", err)
	}
	return strings.Fields(string(data))
}

// markerReleasedFirst accepts release alone (libcs whose dlclose never
// unloads) or release followed by the destructor's unload.
func markerReleasedFirst(events []string) bool {
	return slices.Equal(events, []string{"release"}) || slices.Equal(events, []string{"release", "unload"})
}

const markerPrelude = `
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include "monokkai_extension.h"

static void mark(const char *event) {
    FILE *f = fopen(MARKER, "a");
    if (f == NULL) {
        return;
    }
    fprintf(f, "%s\n", event);
    fclose(f);
}

__attribute__((destructor)) static void on_unload(void) {
    mark("unload");
}
`

func TestLoadExampleGreetModule(t *testing.T) {
	lib := buildModule(t, "../../../examples/extensions/cgreet/greet.c")
	manager := newManager()
	defer manager.Close()

	if err := manager.Load(lib, extension.WithABI(extension.ABIC)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if names := manager.Names(); !slices.Equal(names, []string{"cgreet"}) {
		t.Fatalf("unexpected names: %v", names)
	}
	if err := manager.Execute("cgreet", []string{"bob"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := manager.Execute("cgreet", nil); err != nil {
		t.Fatalf("execute without args: %v", err)
	}

	err := manager.Execute("cgreet", []string{"bob", "ada"})
	if !errors.Is(err, extension.ErrExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("module error should stay reachable: %v", err)
	}
	if cerr.Extension != "cgreet" || cerr.Status != 2 || cerr.Message != "expected at most one name, got 2" {
		t.Fatalf("unexpected module error: %+v", cerr)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestArgumentsReachModule(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "events")
	src := writeSource(t, markerPrelude+`
static const char *cjoin_name(void *self) {
    (void)self;
    return "cjoin";
}

static int32_t cjoin_execute(void *self, int32_t argc, const char **argv,
                             char *errbuf, size_t errlen) {
    size_t off = 0;
    (void)self;
    if (argc == 0) {
        return 0;
    }
    if (argv[argc] != NULL) {
        snprintf(errbuf, errlen, "argv not terminated");
        return 99;
    }
    errbuf[0] = '\0';
    for (int32_t i = 0; i < argc; i++) {
        int n = snprintf(errbuf + off, errlen - off, i == 0 ? "%s" : "|%s", argv[i]);
        if (n < 0 || (size_t)n >= errlen - off) {
            break;
        }
        off += (size_t)n;
    }
    return argc;
}

static void cjoin_release(void *self) {
    mark("release");
    free(self);
}

struct monokkai_extension *monokkai_init(void) {
    struct monokkai_extension *vt = calloc(1, sizeof(*vt));
    if (vt == NULL) {
        return NULL;
    }
    vt->self = vt;
    vt->name = cjoin_name;
    vt->execute = cjoin_execute;
    vt->release = cjoin_release;
    return vt;
}
`)
	lib := buildModule(t, src, `-DMARKER="`+marker+`"`)
	manager := newManager()
	defer manager.Close()

	if err := manager.Load(lib, extension.WithABI(extension.ABIC)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := manager.Execute("cjoin", nil); err != nil {
		t.Fatalf("execute without args: %v", err)
	}

	err := manager.Execute("cjoin", []string{"a b", "", "grüße"})
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected module error, got %v", err)
	}
	if cerr.Status != 3 || cerr.Message != "a b||grüße" {
		t.Fatalf("arguments not passed through intact: %+v", cerr)
	}
	if events := readMarker(t, marker); len(events) != 0 {
		t.Fatalf("module released early: %v", events)
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if events := readMarker(t, marker); !markerReleasedFirst(events) {
		t.Fatalf("release must run before the library is closed, got %v", events)
	}
}

func TestEntryReturningNullIsInitError(t *testing.T) {
	src := writeSource(t, `
#include <stddef.h>
#include "monokkai_extension.h"

struct monokkai_extension *monokkai_init(void) {
    return NULL;
}
`)
	lib := buildModule(t, src)
	manager := newManager()
	defer manager.Close()

	if err := manager.Load(lib, extension.WithABI(extension.ABIC)); !errors.Is(err, extension.ErrInit) {
		t.Fatalf("expected init error, got %v", err)
	}
	if manager.Len() != 0 {
		t.Fatalf("registry should stay empty")
	}
}

func TestIncompleteVtableIsReleasedAndRejected(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "events")
	src := writeSource(t, markerPrelude+`
static const char *broken_name(void *self) {
    (void)self;
    return "broken";
}

static void broken_release(void *self) {
    mark("release");
    free(self);
}

struct monokkai_extension *monokkai_init(void) {
    struct monokkai_extension *vt = calloc(1, sizeof(*vt));
    if (vt == NULL) {
        return NULL;
    }
    vt->self = vt;
    vt->name = broken_name;
    vt->execute = NULL;
    vt->release = broken_release;
    return vt;
}
`)
	lib := buildModule(t, src, `-DMARKER="`+marker+`"`)
	manager := newManager()
	defer manager.Close()

	if err := manager.Load(lib, extension.WithABI(extension.ABIC)); !errors.Is(err, extension.ErrInit) {
		t.Fatalf("expected init error, got %v", err)
	}
	if manager.Len() != 0 {
		t.Fatalf("registry should stay empty")
	}
	if events := readMarker(t, marker); !markerReleasedFirst(events) {
		t.Fatalf("incomplete vtable should be released before the library closes, got %v", events)
	}
}
