package events

// Image pull event names.
const (
	NameImagePullStarted  = "image_pull_started"
	NameImagePullFinished = "image_pull_finished"
	NameImagePullFailed   = "image_pull_failed"
)

// ImagePullStarted is emitted by an agent when a pull begins. Timestamp is
// unix seconds on the agent's clock.
type ImagePullStarted struct {
	Image        string
	Architecture string
	AgentID      string
	Timestamp    float64
}

func (ImagePullStarted) Name() string { return NameImagePullStarted }
func (e ImagePullStarted) Args() []any {
	return []any{e.Image, e.Architecture, e.AgentID, e.Timestamp}
}

// ImagePullFinished is emitted when the image is present on the agent,
// whether it was actually pulled or already cached.
type ImagePullFinished struct {
	Image        string
	Architecture string
	AgentID      string
	Timestamp    float64
	Message      string
}

func (ImagePullFinished) Name() string { return NameImagePullFinished }
func (e ImagePullFinished) Args() []any {
	return []any{e.Image, e.Architecture, e.AgentID, e.Timestamp, e.Message}
}

// ImagePullFailed carries the agent-side error message.
type ImagePullFailed struct {
	Image        string
	Architecture string
	AgentID      string
	Message      string
}

func (ImagePullFailed) Name() string { return NameImagePullFailed }
func (e ImagePullFailed) Args() []any {
	return []any{e.Image, e.Architecture, e.AgentID, e.Message}
}

func init() {
	register(NameImagePullStarted, func(args []any) (Event, error) {
		return ImagePullStarted{
			Image:        argString(args, 0),
			Architecture: argString(args, 1),
			AgentID:      argString(args, 2),
			Timestamp:    argFloat(args, 3),
		}, nil
	})
	register(NameImagePullFinished, func(args []any) (Event, error) {
		return ImagePullFinished{
			Image:        argString(args, 0),
			Architecture: argString(args, 1),
			AgentID:      argString(args, 2),
			Timestamp:    argFloat(args, 3),
			Message:      argString(args, 4),
		}, nil
	})
	register(NameImagePullFailed, func(args []any) (Event, error) {
		return ImagePullFailed{
			Image:        argString(args, 0),
			Architecture: argString(args, 1),
			AgentID:      argString(args, 2),
			Message:      argString(args, 3),
		}, nil
	})
}
