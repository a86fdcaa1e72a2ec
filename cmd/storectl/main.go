// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// storectl is an offline inspection CLI for the State Store, for use
// when a coordinator or worker is stopped (or against a copy of its
// data file): list a node's held resources, inspect a single resource
// or lease, find orphaned resources ahead of the Reaper, and force a
// stuck lease or resource row to be cleared by hand.
//
// Usage:
//
//	storectl -backend bolt -path ./data/state.db resources -holder node-1
//	storectl -backend bolt -path ./data/state.db resource -kind Stream -id cam-1
//	storectl -backend bolt -path ./data/state.db orphans -kind Stream -grace 90
//	storectl -backend bolt -path ./data/state.db lease -id <lease-id>
//	storectl -backend bolt -path ./data/state.db release-lease -id <lease-id>
//	storectl -backend bolt -path ./data/state.db delete-resource -kind Stream -id cam-1
//
// Exit codes:
//   - 0: command completed
//   - 1: command failed
//   - 2: usage error
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

var version = "dev"

func main() {
	backend := flag.String("backend", "bolt", "state store backend: sqlite | bolt | badger | memory")
	path := flag.String("path", "", "state store file path")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if *path == "" && *backend != "memory" {
		fmt.Fprintln(os.Stderr, "Error: -path is required for backend", *backend)
		os.Exit(2)
	}

	st, err := store.Open(*backend, *path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open state store:", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	cmd, rest := args[0], args[1:]

	var runErr error
	switch cmd {
	case "resources":
		runErr = cmdResources(ctx, st, rest)
	case "resource":
		runErr = cmdResource(ctx, st, rest)
	case "orphans":
		runErr = cmdOrphans(ctx, st, rest)
	case "lease":
		runErr = cmdLease(ctx, st, rest)
	case "release-lease":
		runErr = cmdReleaseLease(ctx, st, rest)
	case "delete-resource":
		runErr = cmdDeleteResource(ctx, st, rest)
	default:
		fmt.Fprintln(os.Stderr, "Error: unknown subcommand", cmd)
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "Error:", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: storectl -backend <backend> -path <path> <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands: resources, resource, orphans, lease, release-lease, delete-resource")
}

func cmdResources(ctx context.Context, st store.StateStore, args []string) error {
	fs := flag.NewFlagSet("resources", flag.ExitOnError)
	holder := fs.String("holder", "", "node ID to list resources held by")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *holder == "" {
		return fmt.Errorf("-holder is required")
	}
	instances, err := st.ListResourcesByHolder(ctx, *holder)
	if err != nil {
		return err
	}
	return printJSON(instances)
}

func cmdResource(ctx context.Context, st store.StateStore, args []string) error {
	fs := flag.NewFlagSet("resource", flag.ExitOnError)
	kindFlag := fs.String("kind", "", "resource kind: Stream | Recording | AiTask")
	id := fs.String("id", "", "resource ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := model.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	inst, err := st.GetResource(ctx, kind, *id)
	if err != nil {
		return err
	}
	return printJSON(inst)
}

func cmdOrphans(ctx context.Context, st store.StateStore, args []string) error {
	fs := flag.NewFlagSet("orphans", flag.ExitOnError)
	kindFlag := fs.String("kind", "", "resource kind: Stream | Recording | AiTask")
	grace := fs.Int64("grace", 90, "grace period in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := model.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	orphans, err := st.ListOrphans(ctx, kind, *grace)
	if err != nil {
		return err
	}
	return printJSON(orphans)
}

func cmdLease(ctx context.Context, st store.StateStore, args []string) error {
	fs := flag.NewFlagSet("lease", flag.ExitOnError)
	id := fs.String("id", "", "lease ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	lease, err := st.GetLease(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(lease)
}

func cmdReleaseLease(ctx context.Context, st store.StateStore, args []string) error {
	fs := flag.NewFlagSet("release-lease", flag.ExitOnError)
	id := fs.String("id", "", "lease ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	if err := st.DeleteLease(ctx, *id); err != nil {
		return err
	}
	fmt.Println("lease released:", *id)
	return nil
}

func cmdDeleteResource(ctx context.Context, st store.StateStore, args []string) error {
	fs := flag.NewFlagSet("delete-resource", flag.ExitOnError)
	kindFlag := fs.String("kind", "", "resource kind: Stream | Recording | AiTask")
	id := fs.String("id", "", "resource ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := model.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	if err := st.DeleteResource(ctx, kind, *id); err != nil {
		return err
	}
	fmt.Println("resource deleted:", kind, *id)
	return nil
}

func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}
