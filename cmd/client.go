package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/mwand/internal/ctl"
)

// RunStatus prints the daemon snapshot.
func RunStatus() error {
	client, err := ctl.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Version:       %s\n", status.Version)
	fmt.Printf("PID:           %d\n", status.PID)
	fmt.Printf("Active policy: %s\n", orDash(status.ActivePolicy))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UPLINK\tDEVICE\tSTATE\tLATENCY\tFAILURES\tLAST ERROR")
	for _, u := range status.Uplinks {
		state := "offline"
		if u.Online {
			state = "online"
		}
		latency := "-"
		if u.Latency > 0 {
			latency = u.Latency.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			u.Uplink, u.Device, state, latency, u.Failures, orDash(u.LastError))
	}
	return w.Flush()
}

// RunPolicy activates the named policy.
func RunPolicy(name string) error {
	client, err := ctl.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Activate(name)
	if err != nil {
		return err
	}
	fmt.Printf("Activated policy %s (uplinks: %v)\n", reply.Policy, reply.Uplinks)
	return nil
}

// RunRace races a probe to target over every enabled uplink.
func RunRace(target string, timeout time.Duration) error {
	client, err := ctl.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Race(ctl.RaceArgs{Target: target, Timeout: timeout})
	if err != nil {
		return err
	}
	fmt.Printf("Race %d: %s won via %s in %s\n",
		reply.RaceID, reply.Winner, reply.Device, reply.Latency.Round(time.Microsecond))
	return nil
}

// RunBackup dumps the rule table to path.
func RunBackup(path string) error {
	client, err := ctl.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Backup(path); err != nil {
		return err
	}
	fmt.Printf("Rule table backed up to %s\n", path)
	return nil
}

// RunRestore replaces the rule table from path.
func RunRestore(path string) error {
	client, err := ctl.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Restore(path); err != nil {
		return err
	}
	fmt.Printf("Rule table restored from %s\n", path)
	return nil
}

// RunReload asks the daemon to re-read its configuration.
func RunReload() error {
	client, err := ctl.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Reload()
	if err != nil {
		return fmt.Errorf("reload failed (previous config retained): %w", err)
	}
	fmt.Printf("Reloaded: %d uplinks, %d policies, active policy %s\n",
		reply.Uplinks, reply.Policies, orDash(reply.Active))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
