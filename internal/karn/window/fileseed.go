package window

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdobrica/karn/internal/karn/llm"
)

// SeedPath returns the location of a seed file for scope. Names are
// lower-cased and must not escape the scope directory.
func SeedPath(root, scope, name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("window: invalid seed name %q", name)
	}
	if strings.ContainsAny(scope, `/\`) || scope == ".." {
		return "", fmt.Errorf("window: invalid scope %q", scope)
	}
	return filepath.Join(root, scope, name+".txt"), nil
}

// buildFromFile imitates the style of a text file: it samples random lines
// as assistant turns, each answering a "#name" user turn, and ends with one
// more "#name" prompt for the model to answer.
func (b *Builder) buildFromFile(req Request) (Result, error) {
	path, err := SeedPath(b.cfg.FileRoot, req.Scope, req.SeedFile)
	if err != nil {
		return Result{}, err
	}
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, ErrSeedNotFound
		}
		return Result{}, fmt.Errorf("read seed file: %w", err)
	}

	cue := llm.Message{Role: llm.RoleUser, Content: "#" + strings.ToLower(req.SeedFile)}
	cueCost := b.est.Estimate(cue)

	acc := []llm.Message{b.cfg.FileGenesis}
	consumed := req.ReservedOutput + req.ToolCost + b.est.Estimate(b.cfg.FileGenesis) + cueCost

	limit := b.cfg.MaxFileLines
	if limit <= 0 {
		limit = len(lines)
	}

	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	for read := 0; len(lines) > 0 && read < limit; read++ {
		i := b.rnd.Intn(len(lines))
		line := lines[i]
		lines[i] = lines[len(lines)-1]
		lines = lines[:len(lines)-1]

		turn := llm.Message{Role: llm.RoleAssistant, Content: line}
		cost := cueCost + b.est.Estimate(turn)
		if consumed+cost > req.Budget {
			break
		}
		consumed += cost
		acc = append(acc, cue, turn)
	}
	acc = append(acc, cue)

	return Result{Messages: acc, Tokens: consumed}, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// ListSeeds returns the seed names available to scope, sorted. Names in
// exclude (phrase lists sharing the directory) are skipped.
func ListSeeds(root, scope string, exclude ...string) ([]string, error) {
	if strings.ContainsAny(scope, `/\`) || scope == ".." {
		return nil, fmt.Errorf("window: invalid scope %q", scope)
	}
	entries, err := os.ReadDir(filepath.Join(root, scope))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("window: list seeds: %w", err)
	}
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var names []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".txt")
		if e.IsDir() || !ok || skip[name] {
			continue
		}
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	return names, nil
}
