// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command shade rewrites the identity of managed assemblies so renamed
// copies can coexist with their originals in one process.
package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"

	shade "github.com/asmshade/shade"
	"github.com/asmshade/shade/log"
)

var (
	dir         string
	keyFile     string
	prefix      string
	suffix      string
	internalize bool
	verbose     bool
	excludes    []string
	references  []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shade [flags] name...",
		Short: "Rename managed assemblies and redirect their references",
		Long: `shade rewrites assembly identity: it renames the matched assemblies
with the given prefix/suffix, optionally internalizes their public
types, redirects references between them, and re-signs the results
when a key is supplied. Names support globs on the simple name.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVarP(&dir, "dir", "d", ".",
		"directory holding the target assemblies")
	rootCmd.Flags().StringVarP(&keyFile, "key", "k",
		env.Str("SHADE_KEY", ""), "strong-name key file (.snk)")
	rootCmd.Flags().StringVar(&prefix, "prefix", "",
		"prefix prepended to renamed assembly names")
	rootCmd.Flags().StringVar(&suffix, "suffix", "",
		"suffix appended to renamed assembly names")
	rootCmd.Flags().BoolVar(&internalize, "internalize", false,
		"make public types internal")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v",
		env.Bool("SHADE_VERBOSE"), "verbose logging")
	rootCmd.Flags().StringArrayVar(&excludes, "exclude", nil,
		"simple names to skip (repeatable)")
	rootCmd.Flags().StringArrayVar(&references, "reference", nil,
		"assemblies whose references are redirected in place (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shade:", err)
		os.Exit(1)
	}
}

func newLogger() log.Logger {
	logger := log.NewStdLogger(os.Stderr)
	level := log.LevelWarn
	if verbose {
		level = log.LevelDebug
	}
	return log.NewFilter(logger, log.FilterLevel(level))
}

func run(names []string) error {
	if prefix == "" && suffix == "" {
		return fmt.Errorf("at least one of --prefix or --suffix is required")
	}

	var key *shade.StrongNameKey
	if keyFile != "" {
		var err error
		key, err = shade.LoadKeyFile(keyFile)
		if err != nil {
			return err
		}
	}

	targets, err := matchTargets(names)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no assembly in %s matches %s", dir,
			strings.Join(names, ", "))
	}

	// old simple name -> new simple name, shared by every worker.
	renames := make(map[string]string, len(targets))
	for _, t := range targets {
		renames[simpleName(t)] = prefix + simpleName(t) + suffix
	}

	logger := newLogger()
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return shadeAssembly(target, renames, key, logger)
		})
	}
	for _, ref := range references {
		ref := ref
		g.Go(func() error {
			return redirectOnly(ref, renames, key, logger)
		})
	}
	return g.Wait()
}

// matchTargets lists the assemblies in dir whose simple name matches
// one of the glob patterns and none of the exclusions.
func matchTargets(patterns []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var targets []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".dll" && ext != ".exe" {
			continue
		}
		name := simpleName(entry.Name())
		if matchesAny(name, excludes) {
			continue
		}
		if matchesAny(name, patterns) {
			targets = append(targets, filepath.Join(dir, entry.Name()))
		}
	}
	return targets, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToLower(p), strings.ToLower(name)); ok {
			return true
		}
	}
	return false
}

func simpleName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// shadeAssembly renames one target, redirects its references to the
// other renamed targets, and writes the result beside the input under
// the new name.
func shadeAssembly(target string, renames map[string]string,
	key *shade.StrongNameKey, logger log.Logger) error {
	ed, err := shade.Open(target, &shade.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer ed.Close()

	oldName := simpleName(target)
	newName := renames[oldName]
	if err := ed.Rename(newName); err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	saveKey := signingKeyFor(ed, key)
	if saveKey != nil {
		if err := ed.SetPublicKey(saveKey.PublicKeyBlob()); err != nil {
			return fmt.Errorf("%s: %w", target, err)
		}
	}
	if internalize {
		if _, err := ed.MakeTypesInternal(); err != nil {
			return fmt.Errorf("%s: %w", target, err)
		}
	}
	if err := redirectRenamed(ed, oldName, renames, key); err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}

	outPath := filepath.Join(filepath.Dir(target),
		newName+filepath.Ext(target))
	if err := ed.Save(outPath, saveKey); err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}

	return copyCompanionPdb(target, outPath)
}

// redirectOnly rewrites the references of a non-renamed assembly in
// place.
func redirectOnly(file string, renames map[string]string,
	key *shade.StrongNameKey, logger log.Logger) error {
	ed, err := shade.Open(file, &shade.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	defer ed.Close()

	if err := redirectRenamed(ed, "", renames, key); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if err := ed.Save(file, signingKeyFor(ed, key)); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return nil
}

// signingKeyFor drops the key for images without a strong-name slot;
// there is nothing to re-sign there.
func signingKeyFor(ed *shade.Editor, key *shade.StrongNameKey) *shade.StrongNameKey {
	if key == nil {
		return nil
	}
	if ed.File().CLR.CLRHeader.StrongNameSignature.Size == 0 {
		return nil
	}
	return key
}

func redirectRenamed(ed *shade.Editor, self string,
	renames map[string]string, key *shade.StrongNameKey) error {
	var token []byte
	if key != nil {
		token = key.PublicKeyToken()
	}
	for oldName, newName := range renames {
		if oldName == self {
			continue
		}
		if _, err := ed.RedirectReference(oldName, newName, token); err != nil {
			return err
		}
	}
	return nil
}

// copyCompanionPdb carries the debug-symbol file alongside the output
// when one sits beside the input.
func copyCompanionPdb(target, outPath string) error {
	pdb := strings.TrimSuffix(target, filepath.Ext(target)) + ".pdb"
	src, err := os.Open(pdb)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	outPdb := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".pdb"
	dst, err := os.Create(outPdb)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
