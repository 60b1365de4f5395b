package orders

type Status string

const (
	StatusPending           Status = "pending"
	StatusAccepted          Status = "accepted"
	StatusReadyToPay        Status = "readyToPay"
	StatusWaitingForPayment Status = "waitingForPayment"
	StatusPaid              Status = "paid"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:           {StatusAccepted: true, StatusRejected: true, StatusCancelled: true, StatusReadyToPay: true},
	StatusAccepted:          {StatusWaitingForPayment: true, StatusReadyToPay: true, StatusPaid: true, StatusRejected: true, StatusCancelled: true},
	StatusReadyToPay:        {StatusWaitingForPayment: true, StatusAccepted: true, StatusPaid: true, StatusCancelled: true},
	StatusWaitingForPayment: {StatusPaid: true, StatusAccepted: true, StatusReadyToPay: true, StatusCancelled: true},
	StatusPaid:              {},
	StatusRejected:          {},
	StatusCancelled:         {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether an order in s has left the active working set.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRejected || s == StatusCancelled
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnWaiting   TxnStatus = "waiting"
	TxnAccepted  TxnStatus = "accepted"
	TxnRejected  TxnStatus = "rejected"
	TxnComplete  TxnStatus = "complete"
	TxnCancelled TxnStatus = "cancelled"
)

var validNextTxn = map[TxnStatus]map[TxnStatus]bool{
	TxnPending:   {TxnWaiting: true, TxnRejected: true, TxnCancelled: true},
	TxnWaiting:   {TxnAccepted: true, TxnRejected: true, TxnCancelled: true, TxnComplete: true},
	TxnAccepted:  {TxnComplete: true},
	TxnRejected:  {},
	TxnComplete:  {},
	TxnCancelled: {},
}

func CanTransitionTxn(from, to TxnStatus) bool {
	return validNextTxn[from][to]
}

func (s TxnStatus) Terminal() bool {
	return s == TxnRejected || s == TxnComplete || s == TxnCancelled
}

type CheckinStatus string

const (
	CheckinPending     CheckinStatus = "pending"
	CheckinAllocated   CheckinStatus = "allocated"
	CheckinRejected    CheckinStatus = "rejected"
	CheckinDeallocated CheckinStatus = "deallocated"
	CheckinCompleted   CheckinStatus = "completed"
)

var validNextCheckin = map[CheckinStatus]map[CheckinStatus]bool{
	CheckinPending:     {CheckinAllocated: true, CheckinRejected: true, CheckinDeallocated: true, CheckinCompleted: true},
	CheckinAllocated:   {CheckinAllocated: true, CheckinDeallocated: true, CheckinCompleted: true},
	CheckinRejected:    {CheckinPending: true, CheckinAllocated: true, CheckinCompleted: true},
	CheckinDeallocated: {CheckinPending: true, CheckinAllocated: true, CheckinCompleted: true},
	CheckinCompleted:   {},
}

func CanTransitionCheckin(from, to CheckinStatus) bool {
	return validNextCheckin[from][to]
}

// Live reports whether the checkin may still hold a table.
func (s CheckinStatus) Live() bool {
	return s == CheckinPending || s == CheckinAllocated
}

type BookingStatus string

const (
	BookingBooked    BookingStatus = "booked"
	BookingArrived   BookingStatus = "arrived"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

var validNextBooking = map[BookingStatus]map[BookingStatus]bool{
	BookingBooked:    {BookingArrived: true, BookingCancelled: true},
	BookingArrived:   {BookingCompleted: true},
	BookingCompleted: {},
	BookingCancelled: {},
}

func CanTransitionBooking(from, to BookingStatus) bool {
	return validNextBooking[from][to]
}

func (s BookingStatus) Active() bool {
	return s == BookingBooked || s == BookingArrived
}
