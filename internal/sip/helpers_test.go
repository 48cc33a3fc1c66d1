package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeExtensions is an in-memory ExtensionRepository.
type fakeExtensions struct {
	exts []models.Extension
}

func (f *fakeExtensions) Create(ctx context.Context, ext *models.Extension) error {
	f.exts = append(f.exts, *ext)
	return nil
}

func (f *fakeExtensions) GetByNumber(ctx context.Context, number string) (*models.Extension, error) {
	for i := range f.exts {
		if f.exts[i].Number == number {
			return &f.exts[i], nil
		}
	}
	return nil, fmt.Errorf("extension %s not found", number)
}

func (f *fakeExtensions) List(ctx context.Context) ([]models.Extension, error) {
	out := make([]models.Extension, len(f.exts))
	copy(out, f.exts)
	return out, nil
}

func (f *fakeExtensions) Update(ctx context.Context, ext *models.Extension) error { return nil }
func (f *fakeExtensions) Delete(ctx context.Context, number string) error         { return nil }
func (f *fakeExtensions) Count(ctx context.Context) (int64, error) {
	return int64(len(f.exts)), nil
}

// fakeTx is a ServerTransaction that records responses.
type fakeTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
}

func newFakeTx() *fakeTx {
	return &fakeTx{done: make(chan struct{})}
}

func (f *fakeTx) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeTx) Terminate()                            {}
func (f *fakeTx) Done() <-chan struct{}                 { return f.done }
func (f *fakeTx) Err() error                            { return nil }
func (f *fakeTx) Acks() <-chan *sip.Request             { return nil }
func (f *fakeTx) Cancels() <-chan *sip.Request          { return nil }
func (f *fakeTx) OnCancel(fn sip.FnTxCancel) bool       { return false }
func (f *fakeTx) OnTerminate(fn sip.FnTxTerminate) bool { return false }

func (f *fakeTx) last() *sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

func (f *fakeTx) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

// fakeEvents records emitted webhook events.
type fakeEvents struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (f *fakeEvents) Emit(event string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.data = append(f.data, data)
}

func (f *fakeEvents) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

// seededRegistry builds a registry with the given extensions loaded.
func seededRegistry(t *testing.T, numbers ...string) *Registry {
	t.Helper()
	repo := &fakeExtensions{}
	for _, n := range numbers {
		repo.exts = append(repo.exts, models.Extension{Number: n, Name: "Ext " + n})
	}
	reg := NewRegistry(repo, testLogger())
	if err := reg.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	return reg
}

// newInvite builds an INVITE with From, To, Call-ID and a minimal SDP body.
func newInvite(t *testing.T, from, to, callID, source string) *sip.Request {
	t.Helper()

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: to, Host: "10.0.0.1", Port: 5060})
	viaParams := sip.NewParams()
	viaParams.Add("branch", sip.GenerateBranch())
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.168.1.50",
		Port:            5060,
		Params:          viaParams,
	})
	fromParams := sip.NewParams()
	fromParams.Add("tag", "testtag1234")
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: from, Host: "10.0.0.1", Port: 5060},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: to, Host: "10.0.0.1", Port: 5060},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.SetTransport("UDP")
	req.SetSource(source)

	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.168.1.50\r\n" +
		"s=call\r\n" +
		"c=IN IP4 192.168.1.50\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0 8\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody([]byte(body))
	return req
}

// newRegister builds a REGISTER with a Contact binding.
func newRegister(t *testing.T, ext, source string, expires int) *sip.Request {
	t.Helper()

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: "10.0.0.1", Port: 5060})
	fromParams := sip.NewParams()
	fromParams.Add("tag", "regtag1234")
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: ext, Host: "10.0.0.1", Port: 5060},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: ext, Host: "10.0.0.1", Port: 5060},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader("reg-" + ext)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: ext, Host: "192.168.1.50", Port: 5060},
	})
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	req.SetTransport("UDP")
	req.SetSource(source)
	return req
}
