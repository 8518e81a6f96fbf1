package bot

import (
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/cexll/studybuddy/internal/stats"
	"github.com/cexll/studybuddy/internal/storage"
)

var (
	errInvalidDate = errors.New("invalid date")
	errPastDate    = errors.New("date is in the past")
)

const (
	markerDone = "✅"
	markerOpen = "🟡"
)

// parseDeadline accepts YYYY-MM-DD, "today" or "tomorrow" and rejects days before today.
func parseDeadline(input string, today storage.Date) (storage.Date, error) {
	var d storage.Date
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "today":
		d = today
	case "tomorrow":
		d = today.AddDays(1)
	default:
		parsed, err := storage.ParseDate(strings.TrimSpace(input))
		if err != nil {
			return storage.Date{}, errInvalidDate
		}
		d = parsed
	}
	if d.Before(today) {
		return storage.Date{}, errPastDate
	}
	return d, nil
}

// parseTaskNumber reads the 1-based task number argument.
func parseTaskNumber(args string) (int, bool) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(fields[0], "#"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseIDList reads a comma separated list of telegram ids.
func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no user ids given")
	}
	return ids, nil
}

func formatTaskList(tasks []storage.Task) string {
	if len(tasks) == 0 {
		return "📭 You have no tasks yet. Add one with /add."
	}
	var sb strings.Builder
	sb.WriteString("📋 <b>Your tasks:</b>\n")
	for i, t := range tasks {
		marker := markerOpen
		if t.IsDone {
			marker = markerDone
		}
		fmt.Fprintf(&sb, "\n%d. %s %s (due %s)", i+1, marker, html.EscapeString(t.Description), t.Deadline)
	}
	return sb.String()
}

func formatStats(s stats.Summary) string {
	return fmt.Sprintf("📊 <b>Your week</b>\n\nAdded: %d\nCompleted: %d\nStill open: %d\nCompletion rate: %s",
		s.Added, s.Done, s.Open, s.Percent())
}

func formatUsers(users []storage.User, total, page, pages, offset int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "👥 <b>Users:</b> %d", total)
	if len(users) == 0 {
		sb.WriteString("\n\nNo users on this page.")
		return sb.String()
	}
	fmt.Fprintf(&sb, "\nPage %d of %d\n", page, pages)
	for i, u := range users {
		fmt.Fprintf(&sb, "\n%d. %s", offset+i+1, html.EscapeString(u.DisplayName()))
		if u.Username.Valid && u.Username.String != "" && u.FirstName.Valid {
			fmt.Fprintf(&sb, " (@%s)", html.EscapeString(u.Username.String))
		}
		fmt.Fprintf(&sb, " <code>%d</code> since %s", u.TelegramID, u.RegisteredAt.Format(storage.DateLayout))
	}
	if page < pages {
		fmt.Fprintf(&sb, "\n\nNext page: /users %d", page+1)
	}
	return sb.String()
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
