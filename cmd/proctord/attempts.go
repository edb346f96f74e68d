package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"proctord/internal/config"
	"proctord/internal/replay"
	"proctord/internal/security"
	"proctord/internal/store"
)

// maxArchiveSize bounds archive files read back from the data directory.
const maxArchiveSize = 1 << 20

func cmdAttempts(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proctord attempts <list|show|stats|clear>")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		cmdAttemptsList(args[1:])
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: proctord attempts show <attempt-id>")
			os.Exit(1)
		}
		cmdAttemptsShow(args[1])
	case "stats":
		cmdAttemptsStats()
	case "clear":
		cmdAttemptsClear(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdAttemptsList(args []string) {
	fs := flag.NewFlagSet("attempts list", flag.ExitOnError)
	fromBackend := fs.Bool("backend", false, "list attempts stored by the backend")
	userID := fs.String("user", "", "only this user")
	examID := fs.String("exam", "", "only this exam")
	limit := fs.Int("limit", store.DefaultListLimit, "maximum rows")
	fs.Parse(args)

	cfg := loadConfig()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if *fromBackend {
		st := openBackendStore(cfg)
		defer st.Close()

		rows, err := st.ListAttempts(context.Background(), store.Filter{UserID: *userID, ExamID: *examID, Limit: *limit})
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Fprintln(w, "ATTEMPT\tUSER\tEXAM\tSTARTED\tVIOLATIONS\tSCORE")
		for _, a := range rows {
			score := "-"
			if a.Result != nil {
				score = fmt.Sprint(a.Result.Score)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				a.ID, a.UserID, a.ExamID, a.StartedAt.Local().Format(time.DateTime), a.Violations, score)
		}
		return
	}

	archives, err := readArchives(cfg.AttemptsDir())
	if err != nil {
		fatalf("Error: %v", err)
	}
	fmt.Fprintln(w, "ATTEMPT\tUSER\tEXAM\tSTATE\tVIOLATIONS\tSCORE")
	n := 0
	for _, a := range archives {
		s := a.Summary
		if (*userID != "" && s.UserID != *userID) || (*examID != "" && s.ExamID != *examID) {
			continue
		}
		if n >= *limit {
			break
		}
		n++
		score := "-"
		if s.Result != nil && s.Result.Graded {
			score = fmt.Sprintf("%d/%d", s.Result.Score, s.Result.Total)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.AttemptID, s.UserID, s.ExamID, s.State, s.Counters.Total, score)
	}
}

func cmdAttemptsShow(id string) {
	cfg := loadConfig()
	if err := security.ValidateFilename(id + ".json"); err != nil {
		fatalf("Error: invalid attempt id: %v", err)
	}

	data, err := security.ReadSecureFile(filepath.Join(cfg.AttemptsDir(), id+".json"), maxArchiveSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fatalf("No archived attempt %s", id)
		}
		fatalf("Error: %v", err)
	}

	var a replay.Archive
	if err := json.Unmarshal(data, &a); err != nil {
		fatalf("Error: corrupt archive: %v", err)
	}
	printArchive(a)
}

func printArchive(a replay.Archive) {
	s := a.Summary
	fmt.Printf("Attempt:    %s\n", s.AttemptID)
	fmt.Printf("User:       %s\n", s.UserID)
	fmt.Printf("Exam:       %s\n", s.ExamID)
	fmt.Printf("State:      %s\n", s.State)
	if !s.StartedAt.IsZero() {
		fmt.Printf("Started:    %s\n", s.StartedAt.Local().Format(time.DateTime))
	}
	if !s.EndedAt.IsZero() {
		fmt.Printf("Ended:      %s\n", s.EndedAt.Local().Format(time.DateTime))
	}
	if s.Degraded {
		fmt.Println("Camera:     unavailable (face monitoring off)")
	}
	if s.Result != nil && s.Result.Graded {
		fmt.Printf("Score:      %d / %d\n", s.Result.Score, s.Result.Total)
	}

	fmt.Printf("\nViolations: %d\n", len(s.Violations))
	for _, v := range s.Violations {
		fmt.Printf("  %d. %-18s %s\n", v.Sequence, v.Kind.Message(), v.OccurredAt.Local().Format(time.TimeOnly))
	}

	if len(a.Answers) > 0 {
		fmt.Println("\nAnswers:")
		for _, r := range a.Answers {
			mark := "x"
			if r.Right {
				mark = "✓"
			}
			chosen := r.Chosen
			if !r.Answered {
				chosen = "(no answer)"
			}
			fmt.Printf("  %s Q%d %s\n      chosen: %s  correct: %s\n", mark, r.Index+1, r.Prompt, chosen, r.Correct)
		}
	}
}

func cmdAttemptsStats() {
	cfg := loadConfig()
	st := openBackendStore(cfg)
	defer st.Close()

	ctx := context.Background()
	stats, err := st.Stats(ctx)
	if err != nil {
		fatalf("Error: %v", err)
	}
	fmt.Printf("Database:   %s\n", cfg.DatabasePath())
	fmt.Printf("Attempts:   %d\n", stats.Attempts)
	fmt.Printf("Violations: %d\n", stats.Violations)
	fmt.Printf("Results:    %d\n", stats.Results)

	problems, err := st.Verify(ctx)
	if err != nil {
		fatalf("Error: %v", err)
	}
	if len(problems) == 0 {
		fmt.Println("Integrity:  ok")
		return
	}
	fmt.Println("Integrity:  FAILED")
	for _, p := range problems {
		fmt.Printf("  %s\n", p)
	}
	os.Exit(1)
}

// cmdAttemptsClear is the exit step after an attempt: the stored identity
// and the local archives for it are removed.
func cmdAttemptsClear(args []string) {
	fs := flag.NewFlagSet("attempts clear", flag.ExitOnError)
	fromBackend := fs.Bool("backend", false, "also delete the backend rows")
	keepIdentity := fs.Bool("keep-identity", false, "keep identity in the config file")
	fs.Parse(args)

	path := configFile()
	cfg := loadConfig()
	userID, examID := cfg.Identity.UserID, cfg.Identity.ExamID
	if userID == "" && examID == "" {
		fmt.Println("No identity stored; nothing to clear.")
		return
	}

	lock, err := security.AcquireAttemptLock(cfg.LocksDir(), userID, examID)
	if err != nil {
		if errors.Is(err, security.ErrAttemptLocked) {
			fatalf("Error: an attempt for %s/%s is still running; stop it first", userID, examID)
		}
		fatalf("Error: %v", err)
	}
	lock.Release()

	removed, err := removeArchives(cfg.AttemptsDir(), userID, examID)
	if err != nil {
		fatalf("Error: %v", err)
	}
	fmt.Printf("Removed %d archived attempt(s) for %s/%s\n", removed, userID, examID)

	if *fromBackend {
		st := openBackendStore(cfg)
		n, err := st.DeleteAttempts(context.Background(), userID, examID)
		st.Close()
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("Deleted %d backend attempt(s)\n", n)
	}

	if *keepIdentity {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	// Rewrite the file as found, without environment overrides.
	fileCfg, err := config.NewLoader(path).Load()
	if err != nil {
		fatalf("Error: %v", err)
	}
	fileCfg.Identity = config.IdentityConfig{}
	if err := config.SaveConfig(fileCfg, path); err != nil {
		fatalf("Error: %v", err)
	}
	fmt.Printf("Cleared identity in %s\n", path)
}

func openBackendStore(cfg *config.Config) *store.Store {
	path := cfg.DatabasePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fatalf("No backend database at %s", path)
	}
	st, err := store.Open(path)
	if err != nil {
		fatalf("Error opening database: %v", err)
	}
	return st
}

// readArchives loads every archive in dir, newest first. Unreadable files
// are skipped with a message.
func readArchives(dir string) ([]replay.Archive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []replay.Archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := security.ReadSecureFile(filepath.Join(dir, e.Name()), maxArchiveSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", e.Name(), err)
			continue
		}
		var a replay.Archive
		if err := json.Unmarshal(data, &a); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", e.Name(), err)
			continue
		}
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Summary.StartedAt.After(out[j].Summary.StartedAt)
	})
	return out, nil
}

func removeArchives(dir, userID, examID string) (int, error) {
	archives, err := readArchives(dir)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range archives {
		s := a.Summary
		if s.UserID != userID || s.ExamID != examID || s.AttemptID == "" {
			continue
		}
		if err := os.Remove(filepath.Join(dir, s.AttemptID+".json")); err != nil && !os.IsNotExist(err) {
			return n, err
		}
		n++
	}
	return n, nil
}
