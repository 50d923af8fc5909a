package aibot

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDiscordSession is an in-memory DiscordSessionHandler that records
// outgoing messages and interaction responses.
type mockDiscordSession struct {
	mu sync.Mutex

	opened bool
	closed bool

	sentMessages []mockSentMessage
	sendErr      error

	interactionResponses []*discordgo.InteractionResponse
	responseEdits        []*discordgo.WebhookEdit

	registeredCommands []*discordgo.ApplicationCommand

	customStatus  string
	statusUpdates []discordgo.UpdateStatusData
	identify      *discordgo.Identify
}

type mockSentMessage struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(
		m.sentMessages,
		mockSentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(
		m.sentMessages,
		mockSentMessage{
			ChannelID: channelID,
			Content:   content,
			Reference: reference,
		},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registeredCommands = commands
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResponses = append(m.interactionResponses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseEdits = append(m.responseEdits, newresp)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) GuildRoleEdit(
	_ string,
	roleID string,
	data *discordgo.RoleParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	role := &discordgo.Role{ID: roleID}
	if data != nil && data.Color != nil {
		role.Color = *data.Color
	}
	return role, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, data)
	return nil
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = &i
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func newTestDiscord(t *testing.T) (*Discord, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app123"

	session := &mockDiscordSession{}
	d := &Discord{
		config:  cfg.Discord,
		session: session,
		logger:  slog.New(discardHandler()),
		history: map[string]*conversation{},
	}
	return d, session
}

func TestMessageMentionsUser(t *testing.T) {
	msg := &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "app123"}, {ID: "other"}},
	}
	assert.True(t, messageMentionsUser(msg, "app123"))
	assert.False(t, messageMentionsUser(msg, "missing"))
	assert.False(t, messageMentionsUser(nil, "app123"))
	assert.False(t, messageMentionsUser(&discordgo.Message{}, "app123"))
}

func TestStripBotMention(t *testing.T) {
	content, mentioned := stripBotMention("<@app123> hello there", "app123")
	assert.True(t, mentioned)
	assert.Equal(t, "hello there", content)

	// nickname mention form
	content, mentioned = stripBotMention("<@!app123> hello", "app123")
	assert.True(t, mentioned)
	assert.Equal(t, "hello", content)

	content, mentioned = stripBotMention("  <@app123>   spaced  ", "app123")
	assert.True(t, mentioned)
	assert.Equal(t, "spaced", content)

	content, mentioned = stripBotMention("no mention here", "app123")
	assert.False(t, mentioned)
	assert.Equal(t, "no mention here", content)

	// a mention mid-message is not stripped
	content, mentioned = stripBotMention("hello <@app123>", "app123")
	assert.False(t, mentioned)
	assert.Equal(t, "hello <@app123>", content)
}

func TestSplitRoute(t *testing.T) {
	registry := newTestRegistry(
		t, &AIConfig{
			DefaultVendor: RouteGPT,
			OpenAI:        VendorConfig{Token: "k"},
			Anthropic:     VendorConfig{Token: "k"},
		},
	)

	route, prompt := splitRoute("gpt what's a monad?", registry)
	assert.Equal(t, RouteGPT, route)
	assert.Equal(t, "what's a monad?", prompt)

	route, prompt = splitRoute("Claude hello", registry)
	assert.Equal(t, RouteClaude, route)
	assert.Equal(t, "hello", prompt)

	// keyword only, no prompt
	route, prompt = splitRoute("claude", registry)
	assert.Equal(t, RouteClaude, route)
	assert.Equal(t, "", prompt)

	// unknown first word leaves content untouched
	route, prompt = splitRoute("gemini is a constellation", registry)
	assert.Equal(t, "", route)
	assert.Equal(t, "gemini is a constellation", prompt)

	route, prompt = splitRoute("   ", registry)
	assert.Equal(t, "", route)
	assert.Equal(t, "", prompt)
}

func TestGetDiscordUser(t *testing.T) {
	user := &discordgo.User{ID: "100"}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: user},
	}
	assert.Equal(t, user, getDiscordUser(i))

	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: user},
		},
	}
	assert.Equal(t, user, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}

func TestConversationHistory(t *testing.T) {
	d, _ := newTestDiscord(t)

	assert.Nil(t, d.historyFor("100"))

	d.appendHistory("100", Exchange{Prompt: "p1", Reply: "r1"}, 3)
	d.appendHistory("100", Exchange{Prompt: "p2", Reply: "r2"}, 3)

	history := d.historyFor("100")
	require.Len(t, history, 2)
	assert.Equal(t, "p1", history[0].Prompt)
	assert.Equal(t, "r2", history[1].Reply)

	// oldest entries fall off at the limit
	d.appendHistory("100", Exchange{Prompt: "p3", Reply: "r3"}, 3)
	d.appendHistory("100", Exchange{Prompt: "p4", Reply: "r4"}, 3)
	history = d.historyFor("100")
	require.Len(t, history, 3)
	assert.Equal(t, "p2", history[0].Prompt)
	assert.Equal(t, "p4", history[2].Prompt)

	// zero limit disables history
	d.appendHistory("200", Exchange{Prompt: "p", Reply: "r"}, 0)
	assert.Nil(t, d.historyFor("200"))
}

func TestClearHistory(t *testing.T) {
	d, _ := newTestDiscord(t)
	d.appendHistory("100", Exchange{Prompt: "p", Reply: "r"}, 5)
	require.NotNil(t, d.historyFor("100"))

	d.clearHistory("100")
	assert.Nil(t, d.historyFor("100"))
}

func TestPruneHistory(t *testing.T) {
	d, _ := newTestDiscord(t)
	d.appendHistory("fresh", Exchange{Prompt: "p", Reply: "r"}, 5)
	d.appendHistory("stale", Exchange{Prompt: "p", Reply: "r"}, 5)
	d.history["stale"].updated = time.Now().Add(-2 * time.Hour)

	removed := d.pruneHistory(time.Hour)
	assert.Equal(t, 1, removed)
	assert.NotNil(t, d.historyFor("fresh"))
	assert.Nil(t, d.historyFor("stale"))
}

func TestSendChunked(t *testing.T) {
	d, session := newTestDiscord(t)

	long := strings.Repeat("word ", 900)
	ref := &discordgo.MessageReference{MessageID: "msg0", ChannelID: "chan1"}
	require.NoError(t, d.sendChunked("chan1", long, ref))

	require.Greater(t, len(session.sentMessages), 1)
	// only the first chunk is sent as a reply
	assert.Equal(t, ref, session.sentMessages[0].Reference)
	for _, sent := range session.sentMessages[1:] {
		assert.Nil(t, sent.Reference)
	}
	for _, sent := range session.sentMessages {
		assert.LessOrEqual(
			t, len([]rune(sent.Content)), discordMaxMessageLength,
		)
		assert.Equal(t, "chan1", sent.ChannelID)
	}
}

func TestSendChunkedError(t *testing.T) {
	d, session := newTestDiscord(t)
	session.sendErr = errors.New("gateway closed")

	err := d.sendChunked("chan1", "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.sendErr)
}

func TestRegisterCommands(t *testing.T) {
	d, session := newTestDiscord(t)
	registry := newTestRegistry(
		t, &AIConfig{
			DefaultVendor: RouteGPT,
			OpenAI:        VendorConfig{Token: "k"},
		},
	)

	created, err := d.registerCommands(registry)
	require.NoError(t, err)
	require.Len(t, created, 4)

	names := make([]string, 0, len(session.registeredCommands))
	for _, c := range session.registeredCommands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t, []string{
			DiscordSlashCommandAsk,
			DiscordSlashCommandClear,
			DiscordSlashCommandRemindMe,
			DiscordSlashCommandTaskCtl,
		}, names,
	)
}

func TestAppCommandAskChoices(t *testing.T) {
	d, _ := newTestDiscord(t)
	registry := newTestRegistry(
		t, &AIConfig{
			DefaultVendor: RouteGPT,
			OpenAI:        VendorConfig{Token: "k"},
			Anthropic:     VendorConfig{Token: "k"},
		},
	)

	cmd := d.appCommandAsk(registry)
	require.Len(t, cmd.Options, 2)
	assert.Equal(t, "prompt", cmd.Options[0].Name)
	assert.True(t, cmd.Options[0].Required)

	vendorOpt := cmd.Options[1]
	assert.Equal(t, "vendor", vendorOpt.Name)
	assert.False(t, vendorOpt.Required)
	choices := make([]string, 0, len(vendorOpt.Choices))
	for _, c := range vendorOpt.Choices {
		choices = append(choices, c.Name)
	}
	assert.ElementsMatch(t, []string{RouteGPT, RouteClaude}, choices)
}
