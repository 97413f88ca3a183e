package bpfobj

import "strings"

type sectionRule struct {
	prefix     string
	progType   ProgType
	attachType ExpectedAttachType
}

// sectionNames is the section-name-prefix inference table, mirrored from
// the kernel loader's own section_names[]. Longer, more specific prefixes
// are listed before their shorter generic counterparts so a
// first-match-wins scan picks the most specific rule.
var sectionNames = []sectionRule{
	{"socket", SocketFilter, AttachNone},
	{"kprobe/", Kprobe, AttachNone},
	{"kretprobe/", Kprobe, AttachNone},
	{"classifier", SchedCLS, AttachNone},
	{"action", SchedACT, AttachNone},
	{"tracepoint/", TracePoint, AttachNone},
	{"raw_tracepoint/", RawTracepoint, AttachNone},
	{"xdp", XDP, AttachNone},
	{"perf_event", PerfEvent, AttachNone},
	{"cgroup/skb", CGroupSKB, AttachNone},
	{"cgroup/bind4", CGroupSockAddr, CGroupInet4Bind},
	{"cgroup/bind6", CGroupSockAddr, CGroupInet6Bind},
	{"cgroup/connect4", CGroupSockAddr, CGroupInet4Connect},
	{"cgroup/connect6", CGroupSockAddr, CGroupInet6Connect},
	{"cgroup/sendmsg4", CGroupSockAddr, CGroupUDP4Sendmsg},
	{"cgroup/sendmsg6", CGroupSockAddr, CGroupUDP6Sendmsg},
	{"cgroup/post_bind4", CGroupSock, CGroupInet4PostBind},
	{"cgroup/post_bind6", CGroupSock, CGroupInet6PostBind},
	{"cgroup/sock", CGroupSock, AttachNone},
	{"cgroup/dev", CGroupDevice, AttachNone},
	{"lwt_in", LWTIn, AttachNone},
	{"lwt_out", LWTOut, AttachNone},
	{"lwt_xmit", LWTXmit, AttachNone},
	{"lwt_seg6local", LWTSeg6Local, AttachNone},
	{"sockops", SockOps, AttachNone},
	{"sk_skb", SKSKB, AttachNone},
	{"sk_msg", SKMSG, AttachNone},
	{"lirc_mode2", LircMode2, AttachNone},
}

// ProgTypeForSectionName looks up the program type and expected attach
// type a section name prefix implies. It returns UnspecifiedProg and
// AttachNone when no rule matches. An unmatched section name is not an
// error anywhere in the loader, OpenFile included: the program keeps its
// default Kprobe type.
func ProgTypeForSectionName(name string) (ProgType, ExpectedAttachType) {
	for _, rule := range sectionNames {
		if strings.HasPrefix(name, rule.prefix) {
			return rule.progType, rule.attachType
		}
	}
	return UnspecifiedProg, AttachNone
}
