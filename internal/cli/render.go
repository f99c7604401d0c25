package cli

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/mistakeknot/querydesk/client"
)

const timeLayout = "2006-01-02 15:04"

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

// RenderQueries writes queries as a table, newest activity first as
// returned by the server.
func RenderQueries(w io.Writer, queries []client.Query) {
	tw := newTable(w, table.Row{"ID", "Status", "Owner", "Customer", "Subject", "Transfers", "Last Activity"})
	for _, q := range queries {
		customer := q.CustomerName
		if customer == "" {
			customer = q.CustomerID
		}
		tw.AppendRow(table.Row{q.ID, q.Status, dash(q.Owner), customer, q.Subject, len(q.TransferHistory), stamp(q.LastActivityAt)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(queries)})
	tw.Render()
}

// RenderTransfers writes transfer records as a table.
func RenderTransfers(w io.Writer, transfers []client.TransferRecord) {
	tw := newTable(w, table.Row{"ID", "Query", "From", "To", "Status", "Reason", "Requested"})
	for _, r := range transfers {
		status := r.Status
		if r.Outcome != "" && r.Outcome != r.Status {
			status += " (" + r.Outcome + ")"
		}
		tw.AppendRow(table.Row{r.ID, r.QueryID, r.FromOwner, r.ToCandidate, status, dash(r.Reason), stamp(r.RequestedAt)})
	}
	tw.Render()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
