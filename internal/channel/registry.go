// Package channel は静的に定義されたチャットチャンネルを提供する。
package channel

import "github.com/hitoshi/garage/internal/model"

// 定義済みチャンネルID
const (
	General         = "general"
	Announcements   = "announcements"
	Recommendations = "recommendations"
)

var defaults = []model.Channel{
	{
		ID:          General,
		DisplayName: "# General Chat",
		Description: "Chat with other fans and bands",
		WritePolicy: model.WriteOpen,
	},
	{
		ID:          Announcements,
		DisplayName: "# Show Announcements",
		Description: "Official show and tour announcements",
		WritePolicy: model.WriteBandOnly,
	},
	{
		ID:          Recommendations,
		DisplayName: "# Recommendations",
		Description: "Share and discover new music and shows",
		WritePolicy: model.WriteOpen,
	},
}

// Registry は実行時に変更されないチャンネル一覧。
type Registry struct {
	ordered []model.Channel
	byID    map[string]model.Channel
}

// NewRegistry は指定したチャンネルでRegistryを生成する。
// 引数なしの場合は定義済みの3チャンネルを使う。
func NewRegistry(channels ...model.Channel) *Registry {
	if len(channels) == 0 {
		channels = defaults
	}
	r := &Registry{
		ordered: make([]model.Channel, len(channels)),
		byID:    make(map[string]model.Channel, len(channels)),
	}
	copy(r.ordered, channels)
	for _, c := range channels {
		r.byID[c.ID] = c
	}
	return r
}

// Get はIDに対応するチャンネルを返す。
func (r *Registry) Get(id string) (model.Channel, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// List は定義順のチャンネル一覧のコピーを返す。
func (r *Registry) List() []model.Channel {
	out := make([]model.Channel, len(r.ordered))
	copy(out, r.ordered)
	return out
}
