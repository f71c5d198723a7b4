package channels

import (
	"fmt"
	"strings"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// RenderText flattens a reply for channels without native button
// support: buttons become enumerated text options the user answers by
// number. The gateway writes typed replies into the selection context
// key, so numeric answers keep working downstream.
func RenderText(reply *models.Reply) string {
	if reply == nil {
		return ""
	}
	if len(reply.Buttons) == 0 {
		return reply.Text
	}
	var b strings.Builder
	b.WriteString(reply.Text)
	for i, btn := range reply.Buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Label)
	}
	return b.String()
}
