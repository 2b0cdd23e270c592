package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/newsletterd/internal/config"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

// issueFile is the on-disk form of a publish request. JSON documents are
// accepted too since they parse as YAML. Leaving out subscribers publishes
// to the stored confirmed audience; an explicit empty list publishes to
// nobody.
type issueFile struct {
	ID          string           `yaml:"id"`
	Title       string           `yaml:"title"`
	TextContent string           `yaml:"text_content"`
	HTMLContent string           `yaml:"html_content"`
	Subscribers []subscriberFile `yaml:"subscribers"`
}

type subscriberFile struct {
	ID     string `yaml:"id"`
	Email  string `yaml:"email"`
	Status string `yaml:"status"`
}

func (s subscriberFile) toSubscriber() queue.Subscriber {
	return queue.Subscriber{
		ID:      strings.TrimSpace(s.ID),
		Address: strings.TrimSpace(s.Email),
		Status:  queue.SubscriberStatus(strings.TrimSpace(s.Status)),
	}
}

func readIssueFile(path string) (queue.PublishRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return queue.PublishRequest{}, err
	}
	var f issueFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return queue.PublishRequest{}, fmt.Errorf("parse issue file: %w", err)
	}
	if strings.TrimSpace(f.ID) == "" {
		return queue.PublishRequest{}, errors.New("issue file: id is required")
	}
	req := queue.PublishRequest{
		Issue: queue.Issue{
			ID:          strings.TrimSpace(f.ID),
			Title:       f.Title,
			TextContent: f.TextContent,
			HTMLContent: f.HTMLContent,
		},
	}
	if f.Subscribers != nil {
		req.Subscribers = make([]queue.Subscriber, 0, len(f.Subscribers))
		for _, s := range f.Subscribers {
			req.Subscribers = append(req.Subscribers, s.toSubscriber())
		}
	}
	return req, nil
}

func publishCmd(args []string) int {
	return runPublishCmd(args, os.Stdout, os.Stderr)
}

func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.ConfigPathEnv), "path to YAML config file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	issuePath := fs.String("issue", "", "path to the issue file (YAML or JSON)")
	jsonOutput := fs.Bool("json", false, "print progress as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*issuePath) == "" {
		fmt.Fprintln(stderr, "publish: --issue is required")
		return 2
	}

	req, err := readIssueFile(*issuePath)
	if err != nil {
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}
	store, err := openStoreForCmd(*configPath, *dotenvPath)
	if err != nil {
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	p, err := store.Publish(context.Background(), req)
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyPublished) {
			fmt.Fprintf(stderr, "publish: issue %q was already published\n", req.Issue.ID)
			return 1
		}
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}
	return printProgress(stdout, stderr, p, *jsonOutput)
}

func subscribersCmd(args []string) int {
	return runSubscribersCmd(args, os.Stdout, os.Stderr)
}

// runSubscribersCmd handles "subscribers import --file FILE" where FILE holds
// a YAML or JSON list of subscribers.
func runSubscribersCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "import" {
		fmt.Fprintln(stderr, "subscribers: expected subcommand: import")
		return 2
	}
	fs := pflag.NewFlagSet("subscribers import", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.ConfigPathEnv), "path to YAML config file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	filePath := fs.String("file", "", "path to the subscriber list (YAML or JSON)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if strings.TrimSpace(*filePath) == "" {
		fmt.Fprintln(stderr, "subscribers import: --file is required")
		return 2
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		fmt.Fprintf(stderr, "subscribers import: %v\n", err)
		return 1
	}
	var list []subscriberFile
	if err := yaml.Unmarshal(data, &list); err != nil {
		fmt.Fprintf(stderr, "subscribers import: parse: %v\n", err)
		return 1
	}

	store, err := openStoreForCmd(*configPath, *dotenvPath)
	if err != nil {
		fmt.Fprintf(stderr, "subscribers import: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for i, s := range list {
		if err := store.UpsertSubscriber(ctx, s.toSubscriber()); err != nil {
			fmt.Fprintf(stderr, "subscribers import: entry %d: %v\n", i+1, err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "imported %d subscribers\n", len(list))
	return 0
}

func openStoreForCmd(configPath, dotenvPath string) (queue.Store, error) {
	cfg, err := loadConfig(configPath, dotenvPath)
	if err != nil {
		return nil, err
	}
	store, _, err := openStore(cfg)
	return store, err
}

type progressPayload struct {
	IssueID        string `json:"issue_id"`
	Status         string `json:"status"`
	RequiredTasks  int    `json:"required_n_tasks"`
	FinishedTasks  int    `json:"finished_n_tasks"`
	RemainingTasks int    `json:"remaining_n_tasks"`
	DroppedTasks   int    `json:"dropped_n_tasks"`
}

func printProgress(stdout, stderr io.Writer, p queue.Progress, asJSON bool) int {
	status := string(p.Status)
	if p.Status == queue.StatusUnpublished {
		status = "UNPUBLISHED"
	}
	if asJSON {
		if err := json.NewEncoder(stdout).Encode(progressPayload{
			IssueID:        p.IssueID,
			Status:         status,
			RequiredTasks:  p.RequiredTasks,
			FinishedTasks:  p.FinishedTasks,
			RemainingTasks: p.RemainingTasks,
			DroppedTasks:   p.DroppedTasks,
		}); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "%s %s finished=%d/%d remaining=%d dropped=%d\n",
		p.IssueID, status, p.FinishedTasks, p.RequiredTasks, p.RemainingTasks, p.DroppedTasks)
	return 0
}
