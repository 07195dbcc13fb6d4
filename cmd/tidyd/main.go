package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tidyd/internal/app"
	"tidyd/internal/scheduler"
	"tidyd/internal/task"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	switch cmd {
	case "serve":
		serve(a)
	case "list":
		listTasks(a)
	case "add":
		addTask(a, flag.Args()[1:])
	case "remove":
		removeTask(a, flag.Arg(1))
	case "run":
		runTask(a, flag.Arg(1))
	case "report":
		report(a)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, list, add, remove, run or report)\n", cmd)
		os.Exit(2)
	}
}

func serve(a *app.App) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

func listTasks(a *app.App) {
	tasks := a.Scheduler().List()
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	now := time.Now()
	for _, t := range tasks {
		next := "never"
		if n, ok := t.NextRun(now); ok {
			next = n.Format(time.RFC3339)
		}
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %-28s %-8s %-8s next=%s  path=%s\n", t.ID, t.Name, t.Policy, state, next, t.TargetPath)
	}
}

func addTask(a *app.App, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	var (
		preset      = fs.String("preset", "", "predefined task: daily-cleanup, weekly-organization, monthly-archive or smart")
		name        = fs.String("name", "", "task name")
		path        = fs.String("path", "", "directory to organize")
		instruction = fs.String("instruction", "", "organization instruction")
		policy      = fs.String("type", "once", "recurrence: once, daily, weekly, monthly or adaptive")
		at          = fs.String("time", "", "time of day, HH:MM")
		days        = fs.String("days", "", "weekdays for weekly tasks, 0=Monday (comma separated)")
		day         = fs.Int("day", 0, "day of month for monthly tasks")
		limit       = fs.Int("resource-limit", 30, "resource limit percent, 0-100")
		priority    = fs.Int("priority", 1, "priority, informational only")
	)
	_ = fs.Parse(args)

	var t task.Task
	if *preset != "" {
		var err error
		t, err = scheduler.NewPreset(*preset, *path, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	} else {
		if *name == "" || *path == "" {
			fmt.Fprintln(os.Stderr, "error: -name and -path are required (or use -preset)")
			os.Exit(1)
		}
		anchor, err := parseAnchor(*at)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		daysOfWeek, err := parseDays(*days)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		t = task.Task{
			Name:          *name,
			TargetPath:    *path,
			Instruction:   *instruction,
			Policy:        task.Policy(*policy),
			AnchorTime:    anchor,
			DaysOfWeek:    daysOfWeek,
			DayOfMonth:    *day,
			ResourceLimit: *limit,
			Priority:      *priority,
			Enabled:       true,
		}
	}

	added, err := a.Scheduler().Add(context.Background(), t)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Printf("added %s (%s)\n", added.Name, added.ID)
}

func removeTask(a *app.App, id string) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "error: task id required")
		os.Exit(1)
	}
	if err := a.Scheduler().Remove(id); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Println("removed", id)
}

func runTask(a *app.App, id string) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "error: task id required")
		os.Exit(1)
	}
	if err := a.Scheduler().RunNow(context.Background(), id); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Println("completed", id)
}

func report(a *app.App) {
	rep, err := a.Analyzer().Report(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	days := []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	for _, dayName := range days {
		hours := rep[dayName]
		if len(hours) == 0 {
			continue
		}
		fmt.Println(dayName + ":")
		keys := make([]int, 0, len(hours))
		for h := range hours {
			keys = append(keys, h)
		}
		sort.Ints(keys)
		for _, h := range keys {
			fmt.Printf("  %02d:00  load %.1f\n", h, hours[h])
		}
	}
}

// parseAnchor turns HH:MM into today's instant at that clock time.
func parseAnchor(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	clock, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -time %q, want HH:MM", s)
	}
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location()), nil
}

func parseDays(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid -days entry %q, want 0-6", p)
		}
		out = append(out, n)
	}
	return out, nil
}
