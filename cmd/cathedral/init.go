package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cathedralhq/cathedral/internal/config"
)

// defaultPersonaYAML is the starter persona template written by
// "cathedral init". It is the same document the persona manager
// synthesizes when no template exists on disk, made visible so users
// have something to edit.
const defaultPersonaYAML = `name: default
system_prompt: |
  You are a helpful assistant running on a local network gateway.
  Answer concisely and accurately.
profile:
  style: neutral
`

// runInit handles the "cathedral init" subcommand. It creates the data
// directory layout and writes a starter options.json and default
// persona template. Existing files are never overwritten, so init is
// safe to run against a populated data directory.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	personaDir := filepath.Join(dir, "personas")
	if err := os.MkdirAll(personaDir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", personaDir, err)
	}

	opts := config.Default()
	opts.DataDir = dir
	opts.PersonaDir = personaDir
	optsJSON, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode default options: %w", err)
	}
	optsJSON = append(optsJSON, '\n')

	files := []struct {
		path    string
		content []byte
	}{
		{filepath.Join(dir, "options.json"), optsJSON},
		{filepath.Join(personaDir, "default.yaml"), []byte(defaultPersonaYAML)},
	}

	for _, f := range files {
		created, err := writeIfMissing(f.path, f.content)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(stdout, "created %s\n", f.path)
		} else {
			fmt.Fprintf(stdout, "exists  %s (unchanged)\n", f.path)
		}
	}

	fmt.Fprintf(stdout, "\nInitialized %s. Edit options.json, then run: cathedral -options %s serve\n",
		dir, filepath.Join(dir, "options.json"))
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. Returns true if the file was created.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
