// Package watcher notifies the Syncer when the memory file set changes,
// using fsnotify with debouncing to coalesce bursts of filesystem events
// from a single edit.
//
// Usage:
//
//	opts := watcher.DefaultOptions()
//	w, err := watcher.NewMemoryWatcher(opts)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	go w.Start(ctx, []string{"/workspace/MEMORY.md", "/workspace/memory"})
//
//	for batch := range w.Events() {
//	    for _, event := range batch {
//	        switch event.Operation {
//	        case watcher.OpCreate:
//	            // Handle file creation
//	        case watcher.OpModify:
//	            // Handle file modification
//	        case watcher.OpDelete:
//	            // Handle file deletion
//	        }
//	    }
//	}
package watcher
