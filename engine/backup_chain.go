package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghiac/questmind/log"
	"github.com/sashabaranov/go-openai"
)

// DefaultBackupCooldown is how long a failed backup is skipped
const DefaultBackupCooldown = 5 * time.Minute

// BackupLLM is a backup model endpoint paired with the model to request from it.
// Multiple BackupLLM entries form a chain: tried in order, first success wins.
type BackupLLM struct {
	Client LLMClient
	Model  string // replaces the request's model when set
	Name   string // human-readable name for logging
}

// FailoverClient sends each request to the primary client and, when that
// fails, walks the backup chain. A backup that fails is put on cooldown.
type FailoverClient struct {
	primary  LLMClient
	backups  []BackupLLM
	cooldown time.Duration
	now      func() time.Time

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time
}

// NewFailoverClient wraps primary with a backup chain. With no backups it
// returns primary unchanged.
func NewFailoverClient(primary LLMClient, backups []BackupLLM, cooldown time.Duration) LLMClient {
	if len(backups) == 0 {
		return primary
	}
	if cooldown <= 0 {
		cooldown = DefaultBackupCooldown
	}
	for i := range backups {
		if backups[i].Name == "" {
			backups[i].Name = fmt.Sprintf("backup-%d", i)
		}
	}
	return &FailoverClient{
		primary:   primary,
		backups:   backups,
		cooldown:  cooldown,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// CreateChatCompletion implements LLMClient. When every backup fails the
// primary's error is returned, so classification reflects the primary endpoint.
func (f *FailoverClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var primaryErr error
	if f.primary != nil {
		resp, err := f.primary.CreateChatCompletion(ctx, request)
		if err == nil && hasContent(resp) {
			return resp, nil
		}
		primaryErr = err
		if primaryErr == nil {
			primaryErr = errEmptyResponse
		}
	} else {
		primaryErr = errors.New("no primary model client configured")
	}

	// the caller gave up; backups would only burn its deadline
	if ctx.Err() != nil {
		return openai.ChatCompletionResponse{}, primaryErr
	}

	log.Log.Warnf("[Engine] ⚠️  Primary LLM failed, trying backups | Model: %s | Error: %v", request.Model, primaryErr)

	for _, backup := range f.backups {
		if until, ok := f.cooldownUntil(backup.Name); ok {
			log.Log.Infof("[Engine] ⏸️ BACKUP LLM >> Skipping %s (cooldown until %s)", backup.Name, until.Format(time.RFC3339))
			continue
		}

		req := request
		if backup.Model != "" {
			req.Model = backup.Model
		}
		log.Log.Infof("[Engine] 🔄 BACKUP LLM >> Trying %s | Model: %s | Messages: %d", backup.Name, req.Model, len(req.Messages))

		resp, err := backup.Client.CreateChatCompletion(ctx, req)
		if err == nil && hasContent(resp) {
			log.Log.Infof("[Engine] ✅ BACKUP LLM >> Success | %s | Model: %s | Tokens: prompt=%d completion=%d",
				backup.Name, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			return resp, nil
		}

		f.cooldownMu.Lock()
		f.cooldowns[backup.Name] = f.now().Add(f.cooldown)
		f.cooldownMu.Unlock()

		if err != nil {
			log.Log.Warnf("[Engine] ❌ BACKUP LLM >> %s failed | Model: %s | Error: %v", backup.Name, req.Model, err)
		} else {
			log.Log.Warnf("[Engine] ❌ BACKUP LLM >> %s empty response | Model: %s", backup.Name, req.Model)
		}
		log.Log.Warnf("[Engine] ⏸️ BACKUP LLM >> %s disabled for %s", backup.Name, f.cooldown)
	}

	return openai.ChatCompletionResponse{}, primaryErr
}

func (f *FailoverClient) cooldownUntil(name string) (time.Time, bool) {
	f.cooldownMu.Lock()
	defer f.cooldownMu.Unlock()
	until, ok := f.cooldowns[name]
	return until, ok && f.now().Before(until)
}

func hasContent(resp openai.ChatCompletionResponse) bool {
	return len(resp.Choices) > 0 && strings.TrimSpace(resp.Choices[0].Message.Content) != ""
}
