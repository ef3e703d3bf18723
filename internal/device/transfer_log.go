package device

import (
	"container/list"
)

// transferLog keeps requests with remote obligations in submission order.
//
// Requests of the current connection are in the live list. The aside list
// keeps requests that left the normal order: writes whose barrier was
// acknowledged while they still waited for the peer, and leftovers of a
// lost connection that wait for their local I/O or queued work item.
type transferLog struct {
	live  *list.List
	aside *list.List
}

func newTransferLog() *transferLog {
	return &transferLog{
		live:  list.New(),
		aside: list.New(),
	}
}

// append adds req to the end of the live list. It returns false if req is
// already in the transfer log.
func (tl *transferLog) append(req *Request) bool {
	if req.tlElem != nil {
		return false
	}
	req.tlElem = tl.live.PushBack(req)
	req.tlList = tl.live
	return true
}

func (tl *transferLog) remove(req *Request) {
	if req.tlElem == nil {
		return
	}
	req.tlList.Remove(req.tlElem)
	req.tlElem = nil
	req.tlList = nil
}

func (tl *transferLog) moveAside(req *Request) {
	if req.tlElem == nil || req.tlList == tl.aside {
		return
	}
	tl.remove(req)
	req.tlElem = tl.aside.PushBack(req)
	req.tlList = tl.aside
}

// oldest returns the oldest request of the live list.
func (tl *transferLog) oldest() *Request {
	if e := tl.live.Front(); e != nil {
		return e.Value.(*Request)
	}
	return nil
}

// forEach calls f for each request of l, oldest first. f may remove the
// request it is called for.
func forEach(l *list.List, f func(req *Request) bool) {
	for e := l.Front(); e != nil; {
		next := e.Next()
		if !f(e.Value.(*Request)) {
			return
		}
		e = next
	}
}
