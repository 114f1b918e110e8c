package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Seed 是演示服务端启动时加载的频道与消息。
type Seed struct {
	Channels []SeedChannel `json:"channels"`
}

type SeedChannel struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Members  []string      `json:"members"`
	Messages []SeedMessage `json:"messages"`
}

type SeedMessage struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// LoadSeed 从指定路径加载种子数据。
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, fmt.Errorf("validate seed: %w", err)
	}
	return seed, nil
}

// Validate 检查频道 ID 唯一、成员非空、消息发送者属于频道。
func (s Seed) Validate() error {
	seen := make(map[string]bool, len(s.Channels))
	for i, ch := range s.Channels {
		if strings.TrimSpace(ch.ID) == "" {
			return fmt.Errorf("channel #%d has no id", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
		if len(ch.Members) == 0 {
			return fmt.Errorf("channel %q has no members", ch.ID)
		}
		members := make(map[string]bool, len(ch.Members))
		for _, m := range ch.Members {
			members[m] = true
		}
		for j, msg := range ch.Messages {
			if !members[msg.Sender] {
				return fmt.Errorf("channel %q message #%d: sender %q is not a member", ch.ID, j, msg.Sender)
			}
		}
	}
	return nil
}
