package publisher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"workforge/pkg/logging"
)

func TestNoop_AlwaysSucceeds(t *testing.T) {
	p := Noop{Log: logging.NewLogger(false)}
	err := p.Publish(context.Background(), "wo1", []ArtifactRef{
		{StepID: "s1", DeliverableID: "bundle", Path: "/tmp/bundle.zip", SHA256: "deadbeef"},
	}, []Receipt{
		{StepID: "s1", Status: "COMPLETED"},
	})
	assert.NoError(t, err)
}

func TestNoop_SatisfiesPublisherInterface(t *testing.T) {
	var _ Publisher = Noop{}
}
