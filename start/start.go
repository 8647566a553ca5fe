// SPDX-License-Identifier: GPL-2.0-or-later

// The purpose of this program is to generate a "main.go" with the addons
// from "addons.conf" added to the imports. The file is then run with the
// same environment and file descriptors as this program.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"sensormux/pkg/storage"
)

func main() {
	if err := start(); err != nil {
		log.Fatal(err)
	}
}

func start() error {
	envFlag := flag.String("env", "/home/sensormux/configs/env.yaml", "path to env.yaml")
	goBin := flag.String("goBin", "go", "go binary")
	flag.Parse()

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("absolute path of env: %w", err)
	}
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return fmt.Errorf("read env.yaml: %w", err)
	}
	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return err
	}

	addons, err := getAddons(filepath.Join(env.ConfigDir, "addons.conf"))
	if err != nil {
		return err
	}

	buildDir := filepath.Join(env.HomeDir, "start", "build")
	if err := os.MkdirAll(buildDir, 0o700); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	if err := genFile(filepath.Join(buildDir, "main.go"), addons); err != nil {
		return err
	}

	cmd := exec.Command(*goBin, "run", "./start/build/main.go", "-env", envPath)
	cmd.Dir = env.HomeDir

	// Give parents file descriptors and environment to child process.
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	fmt.Println("running..")
	return cmd.Run()
}

// ErrAddonSpace more than one addon on a line.
var ErrAddonSpace = errors.New("one addon per line")

// getAddons reads and parses "addons.conf".
func getAddons(path string) ([]string, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read addons.conf: %w", err)
	}

	var addons []string
	for _, line := range strings.Split(string(file), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, " ") {
			return nil, fmt.Errorf("%w: %v", ErrAddonSpace, line)
		}
		addons = append(addons, line)
	}
	return addons, nil
}

var mainTemplate = template.Must(template.New("main").Parse(`package main

import (
	"log"
	"sensormux"
{{ range . }}
	_ "{{ . }}"{{ end }}
)

func main() {
	if err := sensormux.Run(); err != nil {
		log.Fatal(err)
	}
}
`))

// genFile inserts addons into the "main.go" template and writes it to path.
func genFile(path string, addons []string) error {
	var b bytes.Buffer
	if err := mainTemplate.Execute(&b, addons); err != nil {
		return err
	}
	if err := os.WriteFile(path, b.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write build file: %w", err)
	}
	return nil
}
