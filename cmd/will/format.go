package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"will-go/internal/will"
)

const timeLayout = "2006-01-02 15:04:05"

func formatOperation(op *will.Operation) string {
	duration := ""
	if op.FinishedAt.Valid {
		d := op.FinishedAt.Time.Sub(op.StartedAt)
		duration = d.Truncate(time.Millisecond).String()
	}
	return fmt.Sprintf("#%d  %-20s  %s  %-7s  %s",
		op.ID,
		op.Operation,
		op.StartedAt.Format(timeLayout),
		op.Status,
		duration,
	)
}

// formatDelay prints whole days as "Nd" and anything else as a Go duration.
func formatDelay(d time.Duration) string {
	const day = 24 * time.Hour
	if d > 0 && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	return d.String()
}

func formatRecord(rec *will.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Will #%d\n", rec.ID)
	fmt.Fprintf(&b, "  Document:   %s\n", rec.DocumentPointer)
	fmt.Fprintf(&b, "  Owner:      %s\n", rec.Owner)
	fmt.Fprintf(&b, "  Executor:   %s\n", rec.Executor)
	fmt.Fprintf(&b, "  Created:    %s\n", rec.CreatedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "  Updated:    %s\n", rec.LastUpdateAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "  Delay:      %s (emergency from %s)\n", formatDelay(rec.EmergencyDelay), rec.EmergencyAt().UTC().Format(timeLayout))
	fmt.Fprintf(&b, "  Executed:   %t\n", rec.Executed)
	for _, v := range rec.AuthorizedViewers {
		fmt.Fprintf(&b, "  Viewer:     %s\n", v)
	}
	return b.String()
}

func formatReceipt(r *will.Receipt) string {
	var b strings.Builder
	kind := "Executed"
	if r.Emergency {
		kind = "Emergency executed"
	}
	fmt.Fprintf(&b, "%s will #%d at %s\n", kind, r.WillID, r.ExecutedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "  Attempt:      %s\n", r.AttemptID)
	if r.InstructionHash != "" {
		fmt.Fprintf(&b, "  Instruction:  %s\n", r.InstructionHash)
	}
	fmt.Fprintf(&b, "  Distributed:  %d native, %d token, %d nft\n", r.NativeCount, r.TokenCount, r.NFTCount)
	fmt.Fprintf(&b, "  Native fee:   %s\n", r.NativeFee)
	for _, token := range slices.Sorted(maps.Keys(r.TokenFees)) {
		fmt.Fprintf(&b, "  Token fee:    %s %s\n", r.TokenFees[token], token)
	}
	return b.String()
}

func formatStatus(s *will.ExecutionStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Will #%d\n", s.WillID)
	fmt.Fprintf(&b, "  Initiated:  %t\n", s.Initiated)
	fmt.Fprintf(&b, "  Executed:   %t\n", s.Executed)
	if s.Executor != "" {
		fmt.Fprintf(&b, "  Executor:   %s\n", s.Executor)
	}
	if s.ExecutionTimestamp != nil {
		fmt.Fprintf(&b, "  At:         %s\n", s.ExecutionTimestamp.UTC().Format(timeLayout))
	}
	if s.FailureReason != "" {
		fmt.Fprintf(&b, "  Failure:    %s\n", s.FailureReason)
	}
	return b.String()
}

func formatAttempt(at *will.Attempt) string {
	path := "normal"
	if at.Emergency {
		path = "emergency"
	}
	line := fmt.Sprintf("  %s  %s  %-9s  %-9s  %s",
		at.StartedAt.UTC().Format(timeLayout), at.ID, path, at.Outcome, at.Caller)
	if at.FailureReason != "" {
		line += "  " + at.FailureReason
	}
	return line
}

func formatEvent(e *will.Event) string {
	target := "-"
	if e.WillID != nil {
		target = fmt.Sprintf("#%d", *e.WillID)
	}
	var kv []string
	for _, k := range slices.Sorted(maps.Keys(e.Data)) {
		kv = append(kv, k+"="+e.Data[k])
	}
	return strings.TrimRight(fmt.Sprintf("%d  %s  %-24s  %-4s  %s",
		e.Seq, e.CreatedAt.UTC().Format(timeLayout), e.Kind, target, strings.Join(kv, " ")), " ")
}
