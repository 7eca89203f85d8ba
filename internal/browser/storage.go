package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalctl/internal/artifacts"
)

// Restore installs a persisted session into the tab before the first
// navigation: cookies are set directly, storage is refilled by a script that
// runs on every new document.
func (p *Page) Restore(ctx context.Context, sess *artifacts.Session) error {
	if sess.IsEmpty() {
		p.logger.Debug("No persisted session to restore.")
		return nil
	}

	if params := artifacts.ToParams(sess.Cookies); len(params) > 0 {
		if err := p.Run(ctx, network.SetCookies(params)); err != nil {
			return fmt.Errorf("failed to restore cookies: %w", err)
		}
	}

	if len(sess.LocalStorage) > 0 || len(sess.SessionStorage) > 0 {
		script, err := artifacts.RestoreScript(sess)
		if err != nil {
			return err
		}
		var id page.ScriptIdentifier
		err = p.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			var err error
			id, err = page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}))
		if err != nil {
			return fmt.Errorf("could not inject storage restore script: %w", err)
		}
		p.logger.Debug("Injected storage restore script.", zap.String("scriptID", string(id)))
	}

	p.logger.Info("Restored persisted session.",
		zap.Int("cookies", len(sess.Cookies)),
		zap.Int("local_storage", len(sess.LocalStorage)),
		zap.Int("session_storage", len(sess.SessionStorage)))
	return nil
}

// Capture reads the cookies visible to the current page and both web
// storage areas of the current origin.
func (p *Page) Capture(ctx context.Context) (*artifacts.Session, error) {
	sess := artifacts.Empty()

	var cookies []*network.Cookie
	err := p.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	sess.Cookies = artifacts.FromNetwork(cookies)

	if err := p.Run(ctx,
		chromedp.Evaluate(artifacts.DumpStorageScript("localStorage"), &sess.LocalStorage),
		chromedp.Evaluate(artifacts.DumpStorageScript("sessionStorage"), &sess.SessionStorage),
	); err != nil {
		return nil, fmt.Errorf("failed to read web storage: %w", err)
	}
	return sess, nil
}
