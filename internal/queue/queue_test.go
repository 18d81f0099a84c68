package queue

import "testing"

func TestDownloadQueuePushKeepsItemsOrderedByQueueOrder(t *testing.T) {
	q := NewDownloadQueue()
	q.Push(Request{DownloadID: 2, URL: "https://a", QueueOrder: 2})
	q.Push(Request{DownloadID: 1, URL: "https://b", QueueOrder: 1})
	q.Push(Request{DownloadID: 3, URL: "https://c", QueueOrder: 3})

	items := q.Snapshot()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].DownloadID != 1 || items[1].DownloadID != 2 || items[2].DownloadID != 3 {
		t.Fatalf("items not sorted by QueueOrder: %+v", items)
	}
}

func TestDownloadQueueRemove(t *testing.T) {
	q := NewDownloadQueue()
	q.Push(Request{DownloadID: 1, QueueOrder: 1})
	q.Push(Request{DownloadID: 2, QueueOrder: 2})

	if !q.Remove(1) {
		t.Fatal("expected Remove to find download 1")
	}
	if q.Remove(1) {
		t.Fatal("expected second Remove of the same id to fail")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining item, got %d", q.Len())
	}
}

func TestDownloadQueueNextOrderIsMonotonic(t *testing.T) {
	q := NewDownloadQueue()
	if q.NextOrder() != 1 {
		t.Fatalf("expected first order to be 1")
	}
	q.Push(Request{DownloadID: 1, QueueOrder: 1})
	q.Push(Request{DownloadID: 2, QueueOrder: 5})
	if q.NextOrder() != 6 {
		t.Fatalf("expected next order 6, got %d", q.NextOrder())
	}
}
