package metrics

import (
	"strconv"
	"strings"
)

// Tag keys
const (
	TagEnv       = "env"
	TagService   = "service"
	TagChannelID = "channel_id"
)

// TagAsString renders name:value with the value sanitized for
// DogStatsD/Telegraf.
func TagAsString(name, value string) string {
	return name + ":" + sanitizeTagValue(value)
}

// sanitizeTagValue rewrites characters that DogStatsD or Telegraf
// would misparse. "/" is kept so paths stay readable.
func sanitizeTagValue(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\\', ',', '|', '@', '#':
			return '_'
		}
		return r
	}, value)
}

// ChannelTags builds the tag set every metric of one channel carries.
// The result has no spare capacity, so emitters appending to it never
// scribble over a shared backing array.
func ChannelTags(id uint64) []string {
	return []string{TagAsString(TagChannelID, strconv.FormatUint(id, 10))}
}
