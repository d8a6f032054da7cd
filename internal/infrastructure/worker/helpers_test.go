package worker

import (
	"encoding/json"

	"github.com/garyjia/campus-approvals/internal/domain/event"
)

func jsonEvent(evt *event.Event) (string, error) {
	data, err := json.Marshal(evt)
	return string(data), err
}
