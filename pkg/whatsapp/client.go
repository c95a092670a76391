package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	qrCode "github.com/skip2/go-qrcode"
	"github.com/sunshineplan/imgconv"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/zapmesh/wagateway/pkg/log"
)

const eventBuffer = 64

var deviceProps sync.Once

// Client wraps one whatsmeow client bound to one instance's auth storage.
type Client struct {
	instanceID string
	wm         *whatsmeow.Client
	container  *sqlstore.Container
	routes     *routing
	events     chan Event
	closed     atomic.Bool

	// Governs the QR pairing stream. Pairing spans several rotating codes
	// and must outlive any single dial attempt, so this context lives until
	// Close rather than deriving from the dial context.
	qrCtx    context.Context
	qrCancel context.CancelFunc
}

func newClient(instanceID string, wm *whatsmeow.Client, container *sqlstore.Container, routes *routing) *Client {
	c := &Client{
		instanceID: instanceID,
		wm:         wm,
		container:  container,
		routes:     routes,
		events:     make(chan Event, eventBuffer),
	}
	c.qrCtx, c.qrCancel = context.WithCancel(context.Background())
	return c
}

// NewFactory builds the transport factory used by the session registry.
// In shared-datastore mode it also opens the instance routing table that
// maps instances onto devices inside the shared container.
func NewFactory(ctx context.Context, cfg StorageConfig, proxyURL string) (Factory, error) {
	var routes *routing
	if cfg.SharedDatastore() {
		var err error
		routes, err = openRouting(ctx, cfg.DatastoreURI)
		if err != nil {
			return nil, err
		}
	}

	return func(ctx context.Context, instanceID string) (Transport, error) {
		if err := cfg.Prepare(instanceID); err != nil {
			return nil, err
		}

		container, err := cfg.openContainer(ctx, instanceID)
		if err != nil {
			return nil, fmt.Errorf("open auth container for %s: %w", instanceID, err)
		}
		if err := container.Upgrade(ctx); err != nil {
			container.Close()
			return nil, fmt.Errorf("upgrade auth container for %s: %w", instanceID, err)
		}

		device, err := pickDevice(ctx, container, routes, instanceID)
		if err != nil {
			container.Close()
			return nil, err
		}

		deviceProps.Do(func() {
			store.DeviceProps.Os = proto.String(runtime.GOOS)
			store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
			store.DeviceProps.RequireFullSync = proto.Bool(false)
		})

		wm := whatsmeow.NewClient(device, nil)
		if proxyURL != "" {
			wm.SetProxyAddress(proxyURL)
		}
		// The session layer decides when and whether to reconnect.
		wm.EnableAutoReconnect = false
		wm.AutoTrustIdentity = true

		c := newClient(instanceID, wm, container, routes)
		wm.AddEventHandler(c.handleEvent)
		return c, nil
	}, nil
}

func pickDevice(ctx context.Context, container *sqlstore.Container, routes *routing, instanceID string) (*store.Device, error) {
	if routes == nil {
		return container.GetFirstDevice(ctx)
	}

	jid, found, err := routes.Lookup(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("lookup device routing for %s: %w", instanceID, err)
	}
	if found {
		parsed, err := types.ParseJID(jid)
		if err == nil {
			device, err := container.GetDevice(ctx, parsed)
			if err == nil && device != nil {
				return device, nil
			}
		}
		log.Instance(instanceID).Warnf("routed device %s is gone, starting a fresh pairing", jid)
	}
	return container.NewDevice(), nil
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Connected() bool {
	return c.wm.IsConnected() && c.wm.IsLoggedIn()
}

// Connect dials the network. For an unpaired device it also starts the QR
// pairing flow, publishing each code on the event stream until the operator
// scans one or the channel times out.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if c.wm.Store.ID == nil {
		qrChan, err := c.wm.GetQRChannel(c.qrCtx)
		if err != nil {
			return fmt.Errorf("open qr channel for %s: %w", c.instanceID, err)
		}
		go c.watchQR(qrChan)
	}

	return c.wm.Connect()
}

func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch {
		case evt.Event == "code":
			qrPNG, err := qrCode.Encode(evt.Code, qrCode.Medium, 256)
			if err != nil {
				log.Instance(c.instanceID).Errorf("encode pairing qr: %v", err)
				continue
			}
			c.emit(Event{
				Kind: EventChallenge,
				Challenge: &Challenge{
					ImageBase64:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG),
					TimeoutSeconds: int(evt.Timeout.Seconds()),
				},
			})
		case evt.Event == whatsmeow.QRChannelSuccess.Event:
			// PairSuccess delivers the account identity, nothing to do here.
		case evt.Event == whatsmeow.QRChannelTimeout.Event:
			c.emit(Event{Kind: EventOffline, Reason: "qr pairing timed out"})
		default:
			reason := "qr pairing failed: " + evt.Event
			if evt.Error != nil {
				reason = fmt.Sprintf("qr pairing failed: %v", evt.Error)
			}
			c.emit(Event{Kind: EventOffline, Reason: reason})
		}
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.emit(Event{Kind: EventAuthenticated, AccountID: e.ID.User})
	case *events.Connected:
		var account string
		if c.wm.Store.ID != nil {
			account = c.wm.Store.ID.User
			if c.routes != nil {
				_ = c.routes.Save(context.Background(), c.instanceID, c.wm.Store.ID.String())
			}
		}
		c.emit(Event{Kind: EventOnline, AccountID: account})
	case *events.Disconnected:
		c.emit(Event{Kind: EventOffline, Reason: "connection dropped"})
	case *events.ConnectFailure:
		c.emit(Event{Kind: EventOffline, Reason: fmt.Sprintf("connect failure: %s", e.Reason)})
	case *events.TemporaryBan:
		c.emit(Event{Kind: EventOffline, Reason: fmt.Sprintf("temporary ban: %s until %s", e.Code, e.Expire)})
	case *events.LoggedOut:
		if c.routes != nil {
			_ = c.routes.Delete(context.Background(), c.instanceID)
		}
		c.emit(Event{Kind: EventLoggedOut, Reason: fmt.Sprintf("logged out: %s", e.Reason)})
	case *events.StreamReplaced:
		// Another client took over this account. Restarting would start a
		// takeover fight, so treat it like a logout.
		c.emit(Event{Kind: EventLoggedOut, Reason: "stream replaced by another client"})
	case *events.KeepAliveTimeout:
		log.Instance(c.instanceID).Warnf("keepalive timeout, errors=%d", e.ErrorCount)
	case *events.Message:
		c.handleMessage(e)
	}
}

func (c *Client) handleMessage(e *events.Message) {
	if e.Info.IsFromMe || e.Message == nil {
		return
	}
	if e.Message.ProtocolMessage != nil {
		return
	}

	c.emit(Event{
		Kind: EventInbound,
		Inbound: &Inbound{
			MessageID: e.Info.ID,
			Chat:      e.Info.Chat.String(),
			Sender:    e.Info.Sender.User,
			PushName:  e.Info.PushName,
			Body:      extractText(e.Message),
			IsGroup:   e.Info.IsGroup,
			Timestamp: e.Info.Timestamp,
		},
	})
}

func extractText(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func (c *Client) emit(ev Event) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Instance(c.instanceID).Warnf("event buffer full, dropping %s event", ev.Kind)
	}
}

func (c *Client) ensureReady() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.wm.IsConnected() {
		return ErrNotConnected
	}
	if !c.wm.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	return nil
}

// ResolveRecipient asks the network whether the number has an account and
// returns its canonical JID.
func (c *Client) ResolveRecipient(ctx context.Context, number string) (string, error) {
	if err := c.ensureReady(); err != nil {
		return "", err
	}

	infos, err := c.wm.IsOnWhatsApp(ctx, []string{"+" + decomposeJID(number)})
	if err != nil {
		return "", fmt.Errorf("resolve recipient: %w", err)
	}
	if len(infos) == 0 || !infos[0].IsIn || infos[0].JID.IsEmpty() {
		return "", ErrRecipientNotOnNetwork
	}
	return infos[0].JID.String(), nil
}

func (c *Client) destinationJID(ctx context.Context, destination string) (types.JID, error) {
	remote := composeJID(destination)
	if remote.Server == types.GroupServer {
		return remote, nil
	}

	resolved, err := c.ResolveRecipient(ctx, destination)
	if err != nil {
		return types.EmptyJID, err
	}
	parsed, err := types.ParseJID(resolved)
	if err != nil {
		return types.EmptyJID, err
	}
	return parsed, nil
}

func (c *Client) SendText(ctx context.Context, destination string, body string) (string, error) {
	if err := c.ensureReady(); err != nil {
		return "", err
	}

	remoteJID, err := c.destinationJID(ctx, destination)
	if err != nil {
		return "", err
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: c.wm.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(body),
	}
	if _, err := c.wm.SendMessage(ctx, remoteJID, msgContent, msgExtra); err != nil {
		return "", err
	}
	return msgExtra.ID, nil
}

func (c *Client) SendImage(ctx context.Context, destination string, media Media) (string, error) {
	if err := c.ensureReady(); err != nil {
		return "", err
	}

	remoteJID, err := c.destinationJID(ctx, destination)
	if err != nil {
		return "", err
	}

	imageUploaded, err := c.wm.Upload(ctx, media.Data, whatsmeow.MediaImage)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}

	imageMsg := &waE2E.ImageMessage{
		URL:           proto.String(imageUploaded.URL),
		DirectPath:    proto.String(imageUploaded.DirectPath),
		Mimetype:      proto.String(media.Mime),
		Caption:       proto.String(media.Caption),
		FileLength:    proto.Uint64(imageUploaded.FileLength),
		FileSHA256:    imageUploaded.FileSHA256,
		FileEncSHA256: imageUploaded.FileEncSHA256,
		MediaKey:      imageUploaded.MediaKey,
	}

	if thumb, err := renderThumbnail(media.Data); err == nil {
		thumbUploaded, err := c.wm.Upload(ctx, thumb, whatsmeow.MediaLinkThumbnail)
		if err == nil {
			imageMsg.JPEGThumbnail = thumb
			imageMsg.ThumbnailDirectPath = &thumbUploaded.DirectPath
			imageMsg.ThumbnailSHA256 = thumbUploaded.FileSHA256
			imageMsg.ThumbnailEncSHA256 = thumbUploaded.FileEncSHA256
		}
	} else {
		log.Instance(c.instanceID).Warnf("thumbnail render failed, sending without one: %v", err)
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: c.wm.GenerateMessageID()}
	msgContent := &waE2E.Message{ImageMessage: imageMsg}
	if _, err := c.wm.SendMessage(ctx, remoteJID, msgContent, msgExtra); err != nil {
		return "", err
	}
	return msgExtra.ID, nil
}

func renderThumbnail(imageBytes []byte) ([]byte, error) {
	decoded, err := imgconv.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = imgconv.Write(&buf,
		imgconv.Resize(decoded, &imgconv.ResizeOption{Width: 72}),
		&imgconv.FormatOption{Format: imgconv.JPEG})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	joined, err := c.wm.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	groups := make([]Group, 0, len(joined))
	for _, g := range joined {
		groups = append(groups, Group{
			JID:          g.JID.String(),
			Name:         g.Name,
			Participants: len(g.Participants),
		})
	}
	return groups, nil
}

func (c *Client) Disconnect() {
	c.wm.Disconnect()
}

// Logout unpairs the account on the network side. When the server refuses,
// the local device record is deleted anyway so the next connect starts a
// fresh pairing.
func (c *Client) Logout(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		return nil
	}

	if err := c.wm.Logout(ctx); err != nil {
		c.wm.Disconnect()
		if err := c.wm.Store.Delete(ctx); err != nil {
			return fmt.Errorf("delete device record: %w", err)
		}
	}
	if c.routes != nil {
		_ = c.routes.Delete(ctx, c.instanceID)
	}
	return nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.qrCancel()
	if c.wm != nil {
		c.wm.RemoveEventHandlers()
		c.wm.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}
