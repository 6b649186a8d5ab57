// Package upload sends project files to the remote builder.
//
// A full upload (initial link) posts every eligible file to
//
//	POST {builder}/{account}/{workspace}/apps/{vendor.name@version}/link
//
// and an incremental upload posts a batch of saves and removals to the same
// path ending in /relink. Both bodies are gzip-compressed JSON:
//
//	{
//	  "tag": "applink",
//	  "options": {"cleanCache": false, "unsafe": false, "sticky": true},
//	  "changes": [
//	    {"path": "react/index.tsx", "content": "<base64>", "action": "save"},
//	    {"path": "react/old.tsx", "action": "remove"}
//	  ]
//	}
//
// The builder answers {"code": "build.accepted", "buildId": "..."}. A 409
// with code initial_link_required means the builder lost its baseline for
// the app and needs a full upload.
//
// Network errors and 5xx responses are retried with exponential backoff.
// Other 4xx responses and size-limit violations fail on the first attempt.
package upload
