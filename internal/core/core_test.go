package core

import (
	"context"
	"sync"

	"github.com/tennex/crmgateway/internal/crm"
)

// fakeAdapter records the configurations it is called with.
type fakeAdapter struct {
	name crm.Name

	mu       sync.Mutex
	searched []crm.Config
	noted    []string
	called   []string
	result   crm.Result
	callErr  error
}

func (a *fakeAdapter) Name() crm.Name { return a.name }

func (a *fakeAdapter) Connect(ctx context.Context, refID, returnURL string) (string, error) {
	return "https://vendor.example.com/authorize?ref=" + refID, nil
}

func (a *fakeAdapter) Callback(ctx context.Context, code, state string) string {
	return "https://pbx.example.com/ui2/user/crm?connected=true&crm=" + string(a.name)
}

func (a *fakeAdapter) SearchContact(ctx context.Context, number string, cfg crm.Config) crm.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searched = append(a.searched, cfg)
	return a.result
}

func (a *fakeAdapter) CreateNote(ctx context.Context, contactID, content string, cfg crm.Config) crm.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.noted = append(a.noted, contactID+":"+content)
	return crm.Succeeded("Note created", nil)
}

func (a *fakeAdapter) OutboundCall(ctx context.Context, phone, refID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.callErr != nil {
		return a.callErr
	}
	a.called = append(a.called, refID+":"+phone)
	return nil
}
