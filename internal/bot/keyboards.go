package bot

import (
	"strconv"

	"github.com/MEKXH/giftbot/internal/bus"
)

func mainKeyboard() *bus.Keyboard {
	return &bus.Keyboard{Reply: [][]string{
		{ButtonStars},
		{ButtonPremium},
		{ButtonAbout},
	}}
}

func premiumKeyboard(options []int) *bus.Keyboard {
	rows := make([][]bus.Button, 0, len(options))
	for _, months := range options {
		rows = append(rows, []bus.Button{{
			Text: DurationName(months),
			Data: premiumPrefix + strconv.Itoa(months),
		}})
	}
	return &bus.Keyboard{Inline: rows}
}

func acceptKeyboard(requestID string) *bus.Keyboard {
	return &bus.Keyboard{Inline: [][]bus.Button{{
		{Text: "✅ Accept request", Data: acceptPrefix + requestID},
	}}}
}
