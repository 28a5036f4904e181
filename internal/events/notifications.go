package events

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

type Entity string

const (
	EntityCategory Entity = "Category"
	EntityImage    Entity = "Image"
	EntityAudio    Entity = "Audio"
	EntityText     Entity = "Text"
)

// Event types emitted by the upstream note services.
const (
	CategoryCreated         = "CategoryCreated"
	CategoryDeleted         = "CategoryDeleted"
	CategoryImageUpdated    = "CategoryImageUpdated"
	CategorySynonymsUpdated = "CategorySynonymsUpdated"
	CategoryNameUpdated     = "CategoryNameUpdated"
	CategoryItemsUpdated    = "CategoryItemsUpdated"

	ImageCreated        = "ImageCreated"
	ImageDeleted        = "ImageDeleted"
	ImageCaptionUpdated = "ImageCaptionUpdated"

	AudioCreated           = "AudioCreated"
	AudioDeleted           = "AudioDeleted"
	AudioTranscriptUpdated = "AudioTranscriptUpdated"

	TextCreated = "TextCreated"
	TextDeleted = "TextDeleted"
	TextUpdated = "TextUpdated"
)

type mapping struct {
	entity       Entity
	notification string
}

var notificationTable = map[string]mapping{
	CategoryCreated:         {EntityCategory, "onCategoryCreated"},
	CategoryDeleted:         {EntityCategory, "onCategoryDeleted"},
	CategoryImageUpdated:    {EntityCategory, "onCategoryImageUpdated"},
	CategorySynonymsUpdated: {EntityCategory, "onCategorySynonymsUpdated"},
	CategoryNameUpdated:     {EntityCategory, "onCategoryNameUpdated"},
	CategoryItemsUpdated:    {EntityCategory, "onCategoryItemsUpdated"},

	ImageCreated:        {EntityImage, "onImageCreated"},
	ImageDeleted:        {EntityImage, "onImageDeleted"},
	ImageCaptionUpdated: {EntityImage, "onImageCaptionUpdated"},

	AudioCreated:           {EntityAudio, "onAudioCreated"},
	AudioDeleted:           {EntityAudio, "onAudioDeleted"},
	AudioTranscriptUpdated: {EntityAudio, "onAudioTranscriptUpdated"},

	TextCreated: {EntityText, "onTextCreated"},
	TextDeleted: {EntityText, "onTextDeleted"},
	TextUpdated: {EntityText, "onTextUpdated"},
}

// NotificationName maps an upstream event type to the client handler name.
// A miss means the upstream schema moved without the relay, not bad input.
func NotificationName(eventType string) (string, error) {
	m, ok := notificationTable[eventType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedEventType, eventType)
	}
	return m.notification, nil
}

func EntityOf(eventType string) (Entity, bool) {
	m, ok := notificationTable[eventType]
	return m.entity, ok
}

// EventTypes lists every mapped event type, sorted.
func EventTypes() []string {
	out := lo.Keys(notificationTable)
	sort.Strings(out)
	return out
}
