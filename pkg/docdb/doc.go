// Package docdb stores a single JSON document in a file shared by cooperating
// processes on one machine.
//
// Every mutation runs as a transaction: take the cross-process lock (see
// package lockfile), reload the document from disk, apply the caller's
// mutator, persist atomically if the mutator reported a change, release the
// lock. Because the document is reloaded after the lock is taken, no process
// ever builds on a snapshot older than its own acquisition.
//
//	store, err := docdb.Open(ctx, docdb.Options[Doc]{
//	    Path:    "data/db.json",
//	    Default: NewDoc,
//	})
//	if err != nil {
//	    return err
//	}
//
//	changed, err := store.Update(ctx, func(doc *Doc) (bool, error) {
//	    if doc.Has(name) {
//	        return false, nil
//	    }
//	    doc.Add(name)
//	    return true, nil
//	})
//
// Readers never observe partial writes: the file is replaced by rename.
package docdb
