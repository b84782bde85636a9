package core

import (
	"context"
	"net"
	"net/http"
	"time"
)

// InternetCheck succeeds when url answers with a non-error status.
func InternetCheck(client *http.Client, url string) Check {
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode < 400
	}
}

// PortCheck succeeds when a TCP connection to addr can be opened.
func PortCheck(addr string) Check {
	return func(ctx context.Context) bool {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

type DiagnosticCheck struct {
	Name  string
	Check Check
}

type DiagnosticsReport struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}

// Diagnostics is the owner-facing breakdown of everything the kiosk depends on.
type Diagnostics struct {
	checks  []DiagnosticCheck
	timeout time.Duration
}

func NewDiagnostics(timeout time.Duration, checks ...DiagnosticCheck) *Diagnostics {
	return &Diagnostics{checks: checks, timeout: timeout}
}

func (d *Diagnostics) Run(ctx context.Context) DiagnosticsReport {
	report := DiagnosticsReport{
		Status: "OK",
		Checks: make(map[string]bool, len(d.checks)),
	}
	for _, c := range d.checks {
		ok := runCheck(ctx, c.Check, d.timeout)
		report.Checks[c.Name] = ok
		if !ok {
			report.Status = "FAIL"
		}
	}
	return report
}
