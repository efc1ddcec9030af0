/*
Package dma decomposes logical device reads and writes into physical
transactions and issues them over a pool of transaction tags.

# Splitting

A logical request covers [Addr, Addr+Len). Split cuts it into maximal
segments that never cross a 4KB page boundary and never exceed
Config.MaxBurstBytes. The segments tile the request exactly, in address
order:

	Split({Addr: 100, Len: 10000})
	  -> [100, 4096)  [4096, 8192)  [8192, 10100)

When Config.BusWidth is larger than one, the request address and length must
be multiples of it.

# Tags and ordering

Segments are assigned tags round-robin over Config.MaxTags, with at most
Config.MaxInFlightPerTag outstanding per tag. Issuing blocks while every
tag is saturated; the wait ends when a slot frees, when the submit context
ends, or after Config.AcquireTimeout.

Segments sharing a tag retire in the order they were issued. The channel may
complete them in any order; the engine parks an early completion until every
earlier segment on that tag has completed. Segments on different tags carry
no relative ordering.

# Lifecycle

	Decomposing -> Issuing -> AwaitingCompletion -> Complete
	                  |               |
	                  +----> Faulted <+

A request is finished only when every issued segment has retired. The first
segment fault stops further issuing and surfaces as a *RequestFault; there is
no retry at this layer.

# Usage

	eng, err := dma.NewEngine(ch, dma.DefaultConfig(), nil)
	if err != nil {
	    return err
	}
	buf := make([]byte, 10000)
	err = eng.Do(ctx, dma.Descriptor{Dir: dma.Read, Addr: addr, Len: 10000, Data: buf})
	var fault *dma.RequestFault
	if errors.As(err, &fault) {
	    // fault.Segment identifies the failing transaction
	}
*/
package dma
