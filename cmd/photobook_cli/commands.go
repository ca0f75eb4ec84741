package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const clientTimeout = 10 * time.Second

var errExit = errors.New("exit")

// cli issues photobookd HTTP requests and prints the responses.
type cli struct {
	baseURL string
	http    *http.Client
	out     io.Writer
	// txnPrefix, when set, names transactions "<prefix>-<n>" instead of
	// letting the server assign UUIDs.
	txnPrefix string
	txnSeq    int
}

func newCLI(baseURL string, out io.Writer) *cli {
	return &cli{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: clientTimeout},
		out:     out,
	}
}

func (c *cli) nextTxn() string {
	if c.txnPrefix == "" {
		return ""
	}
	c.txnSeq++
	return fmt.Sprintf("%s-%d", c.txnPrefix, c.txnSeq)
}

// do sends the request and pretty-prints the JSON reply.
func (c *cli) do(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to photobookd failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") != nil {
		pretty.Reset()
		pretty.Write(bytes.TrimSpace(raw))
	}
	fmt.Fprintf(c.out, "%s\n%s\n", resp.Status, pretty.String())
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return id, nil
}

// processCommand runs one command line. It returns errExit for exit/quit.
func (c *cli) processCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("no command provided")
	}

	switch strings.ToLower(args[0]) {
	case "health":
		return c.do(http.MethodGet, "/health", nil)

	case "book":
		if len(args) < 3 {
			return errors.New("usage: book <timeslotID> <clientID> [location]")
		}
		ts, err := parseID("timeslotID", args[1])
		if err != nil {
			return err
		}
		client, err := parseID("clientID", args[2])
		if err != nil {
			return err
		}
		return c.do(http.MethodPost, "/bookings", map[string]any{
			"TransactionID": c.nextTxn(),
			"TimeslotID":    ts,
			"ClientID":      client,
			"Location":      strings.Join(args[3:], " "),
		})

	case "cancel":
		if len(args) != 2 {
			return errors.New("usage: cancel <bookingID>")
		}
		id, err := parseID("bookingID", args[1])
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/bookings/%d", id)
		if tid := c.nextTxn(); tid != "" {
			path += "?TransactionID=" + url.QueryEscape(tid)
		}
		return c.do(http.MethodDelete, path, nil)

	case "update":
		if len(args) < 3 {
			return errors.New("usage: update <bookingID> [location=<text>] [status=<Scheduled|Completed|Cancelled>]")
		}
		id, err := parseID("bookingID", args[1])
		if err != nil {
			return err
		}
		body := map[string]any{"TransactionID": c.nextTxn()}
		for _, kv := range args[2:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", kv)
			}
			switch strings.ToLower(k) {
			case "location":
				body["Location"] = v
			case "status":
				body["Status"] = v
			default:
				return fmt.Errorf("unknown field %q (want location or status)", k)
			}
		}
		return c.do(http.MethodPut, fmt.Sprintf("/bookings/%d", id), body)

	case "availability":
		if len(args) != 5 {
			return errors.New("usage: availability <photographerID> <YYYY-MM-DD> <HH:MM:SS> <HH:MM:SS>")
		}
		id, err := parseID("photographerID", args[1])
		if err != nil {
			return err
		}
		return c.do(http.MethodPost, "/availability", map[string]any{
			"TransactionID":  c.nextTxn(),
			"PhotographerID": id,
			"AvailableDate":  args[2],
			"StartTime":      args[3],
			"EndTime":        args[4],
		})

	case "photographers":
		if len(args) == 2 {
			return c.do(http.MethodGet, "/photographers/availability?date="+url.QueryEscape(args[1]), nil)
		}
		return c.do(http.MethodGet, "/photographers", nil)

	case "timeslots":
		if len(args) != 2 {
			return errors.New("usage: timeslots <photographerID>")
		}
		id, err := parseID("photographerID", args[1])
		if err != nil {
			return err
		}
		return c.do(http.MethodGet, fmt.Sprintf("/photographers/%d/available-timeslots", id), nil)

	case "timeslot":
		if len(args) != 2 {
			return errors.New("usage: timeslot <timeslotID>")
		}
		id, err := parseID("timeslotID", args[1])
		if err != nil {
			return err
		}
		return c.do(http.MethodGet, fmt.Sprintf("/timeslots/%d", id), nil)

	case "clients":
		return c.do(http.MethodGet, "/clients", nil)

	case "bookings":
		if len(args) != 2 {
			return errors.New("usage: bookings <clientID>")
		}
		id, err := parseID("clientID", args[1])
		if err != nil {
			return err
		}
		return c.do(http.MethodGet, fmt.Sprintf("/clients/%d/bookings", id), nil)

	case "txns":
		return c.do(http.MethodGet, "/debug/transactions", nil)

	case "help":
		fmt.Fprint(c.out, helpText)
		return nil

	case "exit", "quit":
		return errExit

	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

const helpText = `Commands:
  health
  book <timeslotID> <clientID> [location]
  cancel <bookingID>
  update <bookingID> [location=<text>] [status=<Scheduled|Completed|Cancelled>]
  availability <photographerID> <YYYY-MM-DD> <HH:MM:SS> <HH:MM:SS>
  photographers [YYYY-MM-DD]
  timeslots <photographerID>
  timeslot <timeslotID>
  clients
  bookings <clientID>
  txns
  help
  exit / quit
`
