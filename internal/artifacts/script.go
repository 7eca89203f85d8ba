package artifacts

import (
	"fmt"
)

// RestoredMarker is the sessionStorage key the restore script sets once it has
// refilled storage in a tab. Later documents in the same tab skip the refill
// so state written by the portal after login is not clobbered.
const RestoredMarker = "__portalctl_restored"

const restoreTemplate = `(function(d) {
	try {
		if (window.sessionStorage.getItem(%[2]q) === "1") { return; }
		window.localStorage.clear();
		Object.keys(d.localStorage).forEach(function(k) { window.localStorage.setItem(k, d.localStorage[k]); });
		window.sessionStorage.clear();
		Object.keys(d.sessionStorage).forEach(function(k) { window.sessionStorage.setItem(k, d.sessionStorage[k]); });
		window.sessionStorage.setItem(%[2]q, "1");
	} catch (e) { /* opaque origins have no storage */ }
})(%[1]s);`

// RestoreScript builds the script evaluated on each new document that clears
// and refills localStorage and sessionStorage from sess.
func RestoreScript(sess *Session) (string, error) {
	if sess == nil {
		sess = Empty()
	}
	local, session := sess.LocalStorage, sess.SessionStorage
	if local == nil {
		local = map[string]string{}
	}
	if session == nil {
		session = map[string]string{}
	}
	payload, err := json.Marshal(map[string]map[string]string{
		"localStorage":   local,
		"sessionStorage": session,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode storage payload: %w", err)
	}
	return fmt.Sprintf(restoreTemplate, payload, RestoredMarker), nil
}

// DumpStorageScript returns an expression evaluating to a plain object copy
// of window.localStorage or window.sessionStorage.
func DumpStorageScript(storage string) string {
	return fmt.Sprintf(`(function() {
	var items = {};
	try {
		var s = window.%s;
		if (s) {
			for (var i = 0; i < s.length; i++) {
				var k = s.key(i);
				if (k !== null && k !== %q) { items[k] = s.getItem(k); }
			}
		}
	} catch (e) { /* SecurityError or storage disabled */ }
	return items;
})()`, storage, RestoredMarker)
}
