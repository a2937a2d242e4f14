// ABOUTME: Client commands that talk to a running gateway: gRPC health and thread listing
// ABOUTME: Health responses are printed as protojson; threads come from the HTTP API

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/2389/taskagent-gateway/internal/config"
	"github.com/2389/taskagent-gateway/internal/conversation"
)

const clientTimeout = 10 * time.Second

// loadClientConfig loads the config unless addr overrides it.
func loadClientConfig(addr string) (*config.Config, error) {
	if addr != "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "", "gRPC address (defaults to server.grpc_addr)")
	service := fs.String("service", "", "service name to check (empty for overall health)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadClientConfig(*addr)
	if err != nil {
		return err
	}
	target := *addr
	if target == "" {
		target = cfg.Server.GRPCAddr
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  ", UseProtoNames: true}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(string(out))

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}
	color.Green("healthy")
	return nil
}

func runThreads(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP address (defaults to server.http_addr)")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", 20, "threads per page")
	sortBy := fs.String("sort", "updatedAt", "sort field: createdAt or updatedAt")
	asJSON := fs.Bool("json", false, "print the raw JSON response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadClientConfig(*addr)
	if err != nil {
		return err
	}
	target := *addr
	if target == "" {
		target = cfg.Server.HTTPAddr
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(*page))
	q.Set("pageSize", strconv.Itoa(*pageSize))
	q.Set("sortBy", *sortBy)
	list, raw, err := fetchThreads(ctx, "http://"+target+"/api/threads?"+q.Encode())
	if err != nil {
		return err
	}

	if *asJSON {
		fmt.Println(string(raw))
		return nil
	}
	printThreads(os.Stdout, list)
	return nil
}

func fetchThreads(ctx context.Context, endpoint string) (*conversation.ThreadList, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("listing threads: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, nil, fmt.Errorf("listing threads: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("listing threads: status %d", resp.StatusCode)
	}

	var list conversation.ThreadList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, nil, fmt.Errorf("decoding response: %w", err)
	}
	return &list, body, nil
}

func printThreads(w io.Writer, list *conversation.ThreadList) {
	if len(list.Items) == 0 {
		fmt.Fprintln(w, "no threads")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED\tPREVIEW")
	for _, t := range list.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			t.ID,
			orDash(t.Title),
			t.MessageCount,
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
			orDash(t.Preview),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "page %d of %d (%d threads)\n", list.Page, list.TotalPages, list.TotalCount)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
