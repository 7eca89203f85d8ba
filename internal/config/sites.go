package config

import "github.com/spf13/viper"

// Idle condition names accepted by SiteProfile.InitialIdle and LoginIdle.
const (
	IdleNetwork0 = "networkidle0"
	IdleNetwork2 = "networkidle2"
)

type siteDefaults struct {
	credentialsFile string
	resultsSubdir   string
	userSel         string
	passSel         string
	typeDelay       string
	stepPause       string
	preLogin        string
	postSubmit      string
	initialIdle     string
	loginIdle       string
	logSession      bool
	window          [2]int
	viewport        [2]int
}

// builtinSites are the portals portalctl knows about out of the box.
// Any of them can be overridden, and new ones added, under "sites.<name>".
var builtinSites = map[string]siteDefaults{
	"avail": {
		credentialsFile: "avail-creds.json",
		resultsSubdir:   "avail-stories",
		userSel:         "#email",
		passSel:         "#password",
		typeDelay:       "0s",
		stepPause:       "0s",
		preLogin:        "0s",
		postSubmit:      "0s",
		initialIdle:     IdleNetwork0,
		loginIdle:       IdleNetwork0,
	},
	"avail-stories": {
		credentialsFile: "avail-stories-creds.json",
		resultsSubdir:   "avail-stories",
		userSel:         "#email",
		passSel:         "#password",
		typeDelay:       "50ms",
		stepPause:       "1s",
		preLogin:        "0s",
		postSubmit:      "0s",
		initialIdle:     IdleNetwork2,
		loginIdle:       IdleNetwork0,
	},
	"transit-admin-511": {
		credentialsFile: "transit-admin-511.json",
		resultsSubdir:   "transit-admin-511",
		userSel:         "input[name=email]",
		passSel:         "input[name=password]",
		typeDelay:       "50ms",
		stepPause:       "1s",
		preLogin:        "1s",
		postSubmit:      "1500ms",
		initialIdle:     IdleNetwork0,
		loginIdle:       IdleNetwork2,
		logSession:      true,
		window:          [2]int{1680, 1050},
		viewport:        [2]int{1650, 1000},
	},
}

func setSiteDefaults(v *viper.Viper) {
	for name, s := range builtinSites {
		p := "sites." + name + "."
		v.SetDefault(p+"credentials_file", s.credentialsFile)
		v.SetDefault(p+"results_subdir", s.resultsSubdir)
		v.SetDefault(p+"login_url_pattern", "login$")
		v.SetDefault(p+"username_selector", s.userSel)
		v.SetDefault(p+"password_selector", s.passSel)
		v.SetDefault(p+"type_delay", s.typeDelay)
		v.SetDefault(p+"step_pause", s.stepPause)
		v.SetDefault(p+"pre_login_pause", s.preLogin)
		v.SetDefault(p+"post_submit_pause", s.postSubmit)
		v.SetDefault(p+"initial_idle", s.initialIdle)
		v.SetDefault(p+"login_idle", s.loginIdle)
		v.SetDefault(p+"log_session", s.logSession)
		v.SetDefault(p+"window.width", s.window[0])
		v.SetDefault(p+"window.height", s.window[1])
		v.SetDefault(p+"viewport.width", s.viewport[0])
		v.SetDefault(p+"viewport.height", s.viewport[1])
	}
}
