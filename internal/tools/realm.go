package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"geister/internal/llm"
	"geister/internal/logging"
)

const (
	queryTimeout  = 30 * time.Second
	updateTimeout = 60 * time.Second
)

// dfxWarningEnv suppresses the plaintext-identity warning dfx prints on
// mainnet calls, which would otherwise pollute tool output.
const dfxWarningEnv = "DFX_WARNING=-mainnet_plaintext_identity"

// entityTypes is the set of entity kinds the realm database exposes.
var entityTypes = []string{
	"Balance", "Call", "Codex", "Contract", "Dispute", "Human", "Identity",
	"Instrument", "Invoice", "Land", "License", "Mandate", "Member",
	"Notification", "Organization", "PaymentAccount", "Permission",
	"Proposal", "Realm", "Registry", "Service", "Status", "Task",
	"TaskExecution", "TaskSchedule", "TaskStep", "Trade", "Transfer",
	"Treasury", "User", "UserProfile", "Vote",
}

func enumOf(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// CommandRunner executes an external command and captures its output.
// Tests substitute a fake; production uses ExecRunner.
type CommandRunner interface {
	Run(ctx context.Context, dir string, extraEnv []string, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, extraEnv []string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// cliTool is a tool backed by a realm or dfx command line invocation.
type cliTool struct {
	name       string
	definition llm.ToolDefinition
	timeout    time.Duration
	emptyMsg   string
	runner     CommandRunner
	logger     logging.Logger

	// buildCommand translates decoded arguments and the call identity into
	// the working directory and argv of the command to run.
	buildCommand func(args map[string]any, cc CallContext) (dir string, argv []string)
}

func (t *cliTool) Name() string { return t.name }

func (t *cliTool) Definition() llm.ToolDefinition { return t.definition }

func (t *cliTool) Call(ctx context.Context, args map[string]any, cc CallContext) (string, error) {
	dir, argv := t.buildCommand(args, cc)

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.Debug("Running %s: %s", t.name, strings.Join(argv, " "))
	stdout, stderr, err := t.runner.Run(runCtx, dir, []string{dfxWarningEnv}, argv[0], argv[1:]...)
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", t.timeout)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s", detail)
	}

	out := strings.TrimSpace(stdout)
	if out == "" {
		return t.emptyMsg, nil
	}
	return out, nil
}

// stringArg reads a string argument, falling back when absent or mistyped.
func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// networkOf resolves the network for a call: the model may override the
// agent's configured network, everything else comes from the call context.
func networkOf(args map[string]any, cc CallContext) string {
	return stringArg(args, "network", cc.Network)
}

// identityArgs appends the agent's dfx identity flag when one is set, so
// canister calls run as the agent rather than the default identity.
func identityArgs(argv []string, cc CallContext) []string {
	if cc.UserIdentity != "" {
		argv = append(argv, "--identity", cc.UserIdentity)
	}
	return argv
}

// NewDBGetTool queries entities from the realm database via the realms CLI.
func NewDBGetTool(runner CommandRunner, logger logging.Logger) Tool {
	return &cliTool{
		name: "db_get",
		definition: llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "db_get",
				Description: "Get entities from the realm database. Use this to query any entity type including: User, Proposal, Vote, Transfer, Mandate, Task, Organization, Codex, Dispute, Instrument, License, Trade, Contract, Invoice, Balance, Treasury, and more.",
				Parameters: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"entity_type": {
							Type:        "string",
							Description: "Type of entity to query from the realm database",
							Enum:        enumOf(entityTypes...),
						},
					},
					Required: []string{"entity_type"},
				},
			},
		},
		timeout:  queryTimeout,
		emptyMsg: "No entities found",
		runner:   runner,
		logger:   logging.OrNop(logger),
		buildCommand: func(args map[string]any, cc CallContext) (string, []string) {
			entityType := stringArg(args, "entity_type", "User")
			return "", []string{
				"realms", "db", "-f", cc.RealmFolder, "-n", networkOf(args, cc),
				"get", entityType,
			}
		},
	}
}

// NewRealmStatusTool reports entity counts and installed extensions.
func NewRealmStatusTool(runner CommandRunner, logger logging.Logger) Tool {
	return &cliTool{
		name: "realm_status",
		definition: llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "realm_status",
				Description: "Get the current status of the realm including counts for all entity types (users, proposals, votes, codexes, disputes, instruments, licenses, trades, etc.) and installed extensions.",
				Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
			},
		},
		timeout:  queryTimeout,
		emptyMsg: "No status available",
		runner:   runner,
		logger:   logging.OrNop(logger),
		buildCommand: func(args map[string]any, cc CallContext) (string, []string) {
			return cc.RealmFolder, []string{
				"realms", "realm", "call", "status", "-n", networkOf(args, cc),
			}
		},
	}
}

// NewJoinRealmTool registers the agent as a realm citizen.
func NewJoinRealmTool(runner CommandRunner, logger logging.Logger) Tool {
	return &cliTool{
		name: "join_realm",
		definition: llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "join_realm",
				Description: "Join the realm as a citizen. This registers you as a user in the realm with the specified profile (member or admin).",
				Parameters: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"profile": {
							Type:        "string",
							Description: "Profile type to join with",
							Enum:        enumOf("member", "admin"),
							Default:     "member",
						},
					},
				},
			},
		},
		timeout:  updateTimeout,
		emptyMsg: "Successfully joined realm",
		runner:   runner,
		logger:   logging.OrNop(logger),
		buildCommand: func(args map[string]any, cc CallContext) (string, []string) {
			profile := stringArg(args, "profile", "member")
			argv := []string{
				"dfx", "canister", "call", "realm_backend", "join_realm",
				fmt.Sprintf("(%q)", profile),
				"--network", networkOf(args, cc),
			}
			return cc.RealmFolder, identityArgs(argv, cc)
		},
	}
}

// NewSetProfilePictureTool updates the agent's profile picture URL.
func NewSetProfilePictureTool(runner CommandRunner, logger logging.Logger) Tool {
	return &cliTool{
		name: "set_profile_picture",
		definition: llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "set_profile_picture",
				Description: "Set your profile picture in the realm. Provide a URL to an image.",
				Parameters: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"profile_picture_url": {
							Type:        "string",
							Description: "URL to the profile picture image (e.g., https://api.dicebear.com/7.x/personas/svg?seed=MyName)",
						},
					},
					Required: []string{"profile_picture_url"},
				},
			},
		},
		timeout:  updateTimeout,
		emptyMsg: "Successfully updated profile picture",
		runner:   runner,
		logger:   logging.OrNop(logger),
		buildCommand: func(args map[string]any, cc CallContext) (string, []string) {
			url := stringArg(args, "profile_picture_url", "")
			argv := []string{
				"dfx", "canister", "call", "realm_backend", "update_my_profile_picture",
				fmt.Sprintf("(%q)", url),
				"--network", networkOf(args, cc),
			}
			return cc.RealmFolder, identityArgs(argv, cc)
		},
	}
}

// NewGetMyStatusTool reads the agent's own user record from the realm.
func NewGetMyStatusTool(runner CommandRunner, logger logging.Logger) Tool {
	return &cliTool{
		name: "get_my_status",
		definition: llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        "get_my_status",
				Description: "Get your current user status in the realm, including your principal ID, profiles, and profile picture URL.",
				Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
			},
		},
		timeout:  queryTimeout,
		emptyMsg: "No status available",
		runner:   runner,
		logger:   logging.OrNop(logger),
		buildCommand: func(args map[string]any, cc CallContext) (string, []string) {
			argv := []string{
				"dfx", "canister", "call", "realm_backend", "get_my_user_status",
				"--network", networkOf(args, cc),
			}
			return cc.RealmFolder, identityArgs(argv, cc)
		},
	}
}

// RegisterRealmTools installs the builtin realm tools, wrapping the
// read-only ones in a result cache.
func RegisterRealmTools(reg *Registry, runner CommandRunner, logger logging.Logger, cacheSize int, cacheTTL time.Duration) error {
	builtins := []Tool{
		NewDBGetTool(runner, logger),
		NewRealmStatusTool(runner, logger),
		NewJoinRealmTool(runner, logger),
		NewSetProfilePictureTool(runner, logger),
		NewGetMyStatusTool(runner, logger),
	}
	for _, tool := range builtins {
		if err := reg.Register(WithCache(tool, cacheSize, cacheTTL)); err != nil {
			return err
		}
	}
	return nil
}

// EnsureIdentity creates a dfx identity for the agent when it does not
// already exist. Failure is non-fatal; canister calls just fall back to
// the default identity.
func EnsureIdentity(ctx context.Context, runner CommandRunner, logger logging.Logger, name string) bool {
	logger = logging.OrNop(logger)

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, _, err := runner.Run(checkCtx, "", nil, "dfx", "identity", "get-principal", "--identity", name); err == nil {
		return true
	}

	logger.Info("Creating dfx identity %q", name)
	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, stderr, err := runner.Run(createCtx, "", nil, "dfx", "identity", "new", name, "--storage-mode=plaintext"); err != nil {
		logger.Warn("Could not create dfx identity %q: %v (%s)", name, err, strings.TrimSpace(stderr))
		return false
	}
	return true
}
