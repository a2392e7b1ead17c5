package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"grimm.is/mwand/internal/brand"
	"grimm.is/mwand/internal/config"
)

// RunStart launches the daemon in the background and waits briefly to
// catch immediate startup failures.
func RunStart(configFile string) error {
	if configFile == "" {
		configFile = DefaultConfigFile()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}
	// Validate before forking so errors land on the operator's terminal
	// instead of the log file.
	if _, err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	pidFile := brand.PIDFilePath()
	if pid, running := readPID(pidFile); running {
		return fmt.Errorf("already running (PID: %d)", pid)
	} else if pid != 0 {
		fmt.Printf("Warning: removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile := filepath.Join(logDir, brand.LowerName+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logF.Close()

	cmd := exec.Command(exe, "run", "-config", configFile)
	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	fmt.Printf("Started %s (PID: %d)\n", brand.Name, cmd.Process.Pid)
	fmt.Printf("Logs: %s\n", logFile)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		fmt.Fprintln(os.Stderr, "\nError: daemon exited immediately.")
		printLogTail(logFile)
		return fmt.Errorf("daemon failed to start")
	case <-time.After(time.Second):
		return nil
	}
}

// RunStop signals the daemon and waits for the PID file to disappear.
func RunStop() error {
	pidFile := brand.PIDFilePath()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no PID file at %s (is the daemon running?)", pidFile)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID in file: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	fmt.Printf("Stopping %s (PID: %d)...\n", brand.Name, pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			fmt.Println("Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("Warning: PID file still exists; process may be slow to shut down.")
	return nil
}

// readPID returns the recorded pid and whether that process is alive.
func readPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, process.Signal(syscall.Signal(0)) == nil
}

func printLogTail(logFile string) {
	data, err := os.ReadFile(logFile)
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	fmt.Fprintln(os.Stderr, "Recent log output:")
	for _, l := range lines {
		fmt.Fprintln(os.Stderr, "  "+l)
	}
}
